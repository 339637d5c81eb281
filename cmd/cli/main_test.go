package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"coderunner/internal/api"
	"coderunner/internal/history"
	"coderunner/internal/run"
)

func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestRun(t *testing.T) {
	var got api.RunRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/run" {
			http.NotFound(w, r)
			return
		}
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(api.RunResponse{
			Success: got.Code != "fail",
			Logs: []run.Line{
				{Stream: run.Log, Text: "hello"},
				{Stream: run.Error, Text: "oops"},
			},
			Error: "Error: fail",
		})
	}))
	defer srv.Close()

	out, errOut, err := execute(t, "console.log(1)", "run", "--server", srv.URL, "--token", "tok")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got.Code != "console.log(1)" || got.Language != "javascript" {
		t.Errorf("request = %+v", got)
	}
	if auth != "Bearer tok" {
		t.Errorf("Authorization = %q", auth)
	}
	if out != "hello\n" || errOut != "oops\n" {
		t.Errorf("stdout %q, stderr %q", out, errOut)
	}

	_, _, err = execute(t, "fail", "run", "--server", srv.URL)
	var ee exitError
	if !errors.As(err, &ee) || ee.code != 1 {
		t.Errorf("failed run error = %v, want exit status 1", err)
	}
}

func TestHistoryList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(api.HistoryResponse{
			Principal: "guest",
			Entries:   []history.Entry{{ID: "e1", FileName: "a.js", ExitCode: 2}},
		})
	}))
	defer srv.Close()

	out, _, err := execute(t, "", "history", "list", "--server", srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "e1") || !strings.Contains(out, "exit=2") {
		t.Errorf("output = %q", out)
	}
}

func TestAPIErrorsSurface(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "history entry not found", Code: "NOT_FOUND"})
	}))
	defer srv.Close()

	_, _, err := execute(t, "", "history", "delete", "nope", "--server", srv.URL)
	if err == nil || !strings.Contains(err.Error(), "NOT_FOUND") {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
}

func TestToken(t *testing.T) {
	out, _, err := execute(t, "", "token", "erin", "--secret", "s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(strings.TrimSpace(out), ".") != 2 {
		t.Errorf("token = %q, want a JWT", out)
	}

	if _, _, err := execute(t, "", "token", "erin", "--secret", ""); err == nil {
		t.Error("token minted without a secret")
	}
}
