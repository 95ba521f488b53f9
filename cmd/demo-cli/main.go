// Command cloakpoll provides CLI tools for interacting with a deployed
// CloakPoll survey service.
//
// # Commands
//
// create: Create a survey and print its id.
//
//	cloakpoll create --server=http://localhost:8080 --questions="food;workload"
//
// respond: Submit encrypted ratings for a survey.
//
//	cloakpoll respond --server=http://localhost:8080 --survey=<id> --ratings=5,3
//
// close, publish: Advance the survey lifecycle.
//
// decrypt: Request aggregate decryption for one question and poll for the
// revealed result.
//
//	cloakpoll decrypt --server=http://localhost:8080 --survey=<id> --question=0
//
// status, refund: Inspect or refund a decryption request.
package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloakpoll/cloakpoll/cmd/common"
	"github.com/cloakpoll/cloakpoll/crypto"
	"github.com/cloakpoll/cloakpoll/protocol"
	"github.com/cloakpoll/cloakpoll/services"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "create":
		err = runCreate(args)
	case "respond":
		err = runRespond(args)
	case "close":
		err = runLifecycle(args, "close")
	case "publish":
		err = runLifecycle(args, "publish")
	case "decrypt":
		err = runDecrypt(args)
	case "status":
		err = runStatus(args)
	case "refund":
		err = runRefund(args)
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage: cloakpoll <create|respond|close|publish|decrypt|status|refund> [flags]")
}

type client struct {
	serverURL string
	http      *http.Client
}

func newClient(serverURL string) *client {
	return &client{
		serverURL: serverURL,
		http:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *client) postJSON(path, token string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequest(http.MethodPost, c.serverURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *client) getJSON(path string, out any) error {
	resp, err := c.http.Get(c.serverURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// token obtains a bearer token by proving possession of the signing key.
func (c *client) token(key crypto.PrivateKey) (string, error) {
	pub, err := key.PublicKey()
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(key, services.TokenProofMessage(pub))
	if err != nil {
		return "", err
	}

	var resp services.TokenResponse
	err = c.postJSON("/token", "", &services.TokenRequest{
		PublicKey: pub.String(),
		Signature: hex.EncodeToString(sig.Bytes()),
	}, &resp)
	return resp.Token, err
}

func runCreate(args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "survey service URL")
	questions := fs.String("questions", "", "semicolon-separated question prompts")
	duration := fs.Duration("duration", 24*time.Hour, "response window length")
	keyHex := fs.String("key", "", "creator signing key (hex, generates if empty)")
	fs.Parse(args)

	if *questions == "" {
		return fmt.Errorf("--questions is required")
	}

	key, err := common.LoadOrGenerateSigningKey(*keyHex)
	if err != nil {
		return err
	}
	if *keyHex == "" {
		fmt.Printf("Creator key: %s\n", hex.EncodeToString(key.Bytes()))
	}

	c := newClient(*serverURL)
	token, err := c.token(key)
	if err != nil {
		return err
	}

	var prompts []protocol.Question
	for _, q := range strings.Split(*questions, ";") {
		prompts = append(prompts, protocol.Question{Prompt: strings.TrimSpace(q)})
	}

	var resp services.SurveyResponse
	err = c.postJSON("/surveys", token, &services.CreateSurveyRequest{
		Questions: prompts,
		StartsAt:  time.Now(),
		EndsAt:    time.Now().Add(*duration),
	}, &resp)
	if err != nil {
		return err
	}

	fmt.Printf("Survey created: %s\n", resp.Survey.ID)
	return nil
}

func runRespond(args []string) error {
	fs := flag.NewFlagSet("respond", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "survey service URL")
	oracleURL := fs.String("oracle", "http://localhost:8090", "oracle URL for the encryption key")
	surveyID := fs.String("survey", "", "survey id")
	ratings := fs.String("ratings", "", "comma-separated ratings, one per question")
	fs.Parse(args)

	if *surveyID == "" || *ratings == "" {
		return fmt.Errorf("--survey and --ratings are required")
	}

	paillierKey, _, err := common.FetchOracleKey(*oracleURL)
	if err != nil {
		return err
	}
	scheme, err := crypto.NewPaillierScheme(paillierKey)
	if err != nil {
		return err
	}

	// Each response comes from a fresh respondent identity.
	_, respondentKey, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}

	var values []string
	for _, r := range strings.Split(*ratings, ",") {
		rating, err := strconv.ParseUint(strings.TrimSpace(r), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid rating %q: %w", r, err)
		}
		handle, err := scheme.Encrypt(rating)
		if err != nil {
			return err
		}
		values = append(values, hex.EncodeToString(handle))
	}

	signed, err := protocol.NewSigned(respondentKey, &services.ResponseSubmission{Values: values})
	if err != nil {
		return err
	}

	c := newClient(*serverURL)
	if err := c.postJSON("/surveys/"+*surveyID+"/responses", "", signed, nil); err != nil {
		return err
	}

	fmt.Println("Response submitted")
	return nil
}

func runLifecycle(args []string, op string) error {
	fs := flag.NewFlagSet(op, flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "survey service URL")
	surveyID := fs.String("survey", "", "survey id")
	keyHex := fs.String("key", "", "creator signing key (hex)")
	fs.Parse(args)

	if *surveyID == "" || *keyHex == "" {
		return fmt.Errorf("--survey and --key are required")
	}

	key, err := common.LoadOrGenerateSigningKey(*keyHex)
	if err != nil {
		return err
	}

	c := newClient(*serverURL)
	token, err := c.token(key)
	if err != nil {
		return err
	}

	if err := c.postJSON("/surveys/"+*surveyID+"/"+op, token, nil, nil); err != nil {
		return err
	}
	fmt.Printf("Survey %s: %s\n", op, *surveyID)
	return nil
}

func runDecrypt(args []string) error {
	fs := flag.NewFlagSet("decrypt", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "survey service URL")
	surveyID := fs.String("survey", "", "survey id")
	question := fs.Int("question", 0, "question index")
	poll := fs.Duration("poll", 2*time.Second, "result poll interval (0 submits without waiting)")
	fs.Parse(args)

	if *surveyID == "" {
		return fmt.Errorf("--survey is required")
	}

	c := newClient(*serverURL)
	base := fmt.Sprintf("/surveys/%s/questions/%d", *surveyID, *question)

	var resp services.DecryptRequestResponse
	if err := c.postJSON(base+"/decrypt", "", nil, &resp); err != nil {
		return err
	}
	fmt.Printf("Decryption requested: %s\n", resp.RequestID)

	if *poll == 0 {
		return nil
	}

	for {
		time.Sleep(*poll)

		var view protocol.StatusView
		if err := c.getJSON("/requests/"+string(resp.RequestID), &view); err != nil {
			return err
		}

		switch view.State {
		case protocol.StateCompleted:
			var result services.ResultResponse
			if err := c.getJSON(base+"/result", &result); err != nil {
				return err
			}
			fmt.Printf("Average: %d (from %d responses)\n", result.Result.Average, result.Result.Count)
			return nil
		case protocol.StateRefunded:
			return fmt.Errorf("request was refunded before completion")
		default:
			fmt.Println("Pending...")
		}
	}
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "survey service URL")
	requestID := fs.String("request", "", "decryption request id")
	fs.Parse(args)

	if *requestID == "" {
		return fmt.Errorf("--request is required")
	}

	c := newClient(*serverURL)
	var view protocol.StatusView
	if err := c.getJSON("/requests/"+*requestID, &view); err != nil {
		return err
	}

	fmt.Printf("Request:   %s\n", view.RequestID)
	fmt.Printf("Survey:    %s (question %d)\n", view.SurveyID, view.QuestionIndex)
	fmt.Printf("State:     %s\n", view.State)
	fmt.Printf("Submitted: %s\n", view.SubmittedAt.Format(time.RFC3339))
	fmt.Printf("Timed out: %v\n", view.IsTimedOut)
	return nil
}

func runRefund(args []string) error {
	fs := flag.NewFlagSet("refund", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "survey service URL")
	requestID := fs.String("request", "", "decryption request id")
	keyHex := fs.String("key", "", "creator key for manual refund (timeout refund if empty)")
	reason := fs.String("reason", "", "manual refund reason")
	fs.Parse(args)

	if *requestID == "" {
		return fmt.Errorf("--request is required")
	}

	c := newClient(*serverURL)

	if *keyHex == "" {
		var resp services.RefundResponse
		if err := c.postJSON("/requests/"+*requestID+"/refund", "", nil, &resp); err != nil {
			return err
		}
		fmt.Printf("Refunded after %d seconds pending\n", resp.ElapsedSeconds)
		return nil
	}

	key, err := common.LoadOrGenerateSigningKey(*keyHex)
	if err != nil {
		return err
	}
	token, err := c.token(key)
	if err != nil {
		return err
	}

	err = c.postJSON("/requests/"+*requestID+"/refund/manual", token,
		&services.ManualRefundRequest{Reason: *reason}, nil)
	if err != nil {
		return err
	}
	fmt.Println("Manually refunded")
	return nil
}
