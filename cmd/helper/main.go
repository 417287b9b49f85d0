// Command helper is the short-lived subprocess/HTTP-client role described
// in spec §2 and §4.5: it dials out to the controller's helper port,
// announces readiness, and executes whatever exec-request or http-request
// the controller's HelperRouter hands it, replying with exec-output/
// exec-response or http-response.
//
// The controller's own helper-facing state (HelperRouter) is built on the
// event loop because it must interleave work for many helpers and many
// callers at once; a single helper process has no such fan-in need, so
// this binary talks the same §6 wire protocol with a plain blocking
// read/write loop, in the teacher's straightforward main()-with-a-for-loop
// style (cmd/worker/main.go) rather than pulling in the eventloop package.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/alecthomas/kong"

	"distbuildctl/internal/config"
	"distbuildctl/internal/types"
)

// CLI is the helper's flag surface.
type CLI struct {
	Config         string `short:"c" help:"Configuration file path (JSON)."`
	ControllerHost string `name:"controller-host" help:"Host the controller's helper port is listening on."`
	ControllerPort int    `name:"controller-port" help:"Port the controller's helper port is listening on."`
}

func main() {
	cli := &CLI{}
	kong.Parse(cli, kong.Description("distbuildctl-helper: exec/HTTP fetch worker for the build controller."))

	cfg, err := config.LoadHelperConfig(cli.Config)
	if err != nil {
		log.Fatalf("helper: %v", err)
	}
	if cli.ControllerHost != "" {
		cfg.ControllerHost = cli.ControllerHost
	}
	if cli.ControllerPort != 0 {
		cfg.ControllerPort = cli.ControllerPort
	}

	addr := fmt.Sprintf("%s:%d", cfg.ControllerHost, cfg.ControllerPort)
	for {
		if err := runOnce(addr); err != nil {
			log.Printf("helper: connection to %s ended: %v", addr, err)
		}
		time.Sleep(time.Second)
	}
}

func runOnce(addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Printf("helper: connected to controller at %s", addr)

	w := bufio.NewWriter(conn)
	if err := sendMessage(w, types.Message{Type: types.TypeHelperReady}); err != nil {
		return err
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg types.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			log.Printf("helper: malformed message, dropping connection: %v", err)
			return err
		}
		go handleRequest(w, msg)
	}
	return scanner.Err()
}

var writeMu = make(chan struct{}, 1)

func sendMessage(w *bufio.Writer, msg types.Message) error {
	writeMu <- struct{}{}
	defer func() { <-writeMu }()

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}

func handleRequest(w *bufio.Writer, msg types.Message) {
	switch msg.Type {
	case types.TypeExecRequest:
		handleExec(w, msg)
	case types.TypeHTTPRequest:
		handleHTTP(w, msg)
	default:
		log.Printf("helper: ignoring unsupported request type %q", msg.Type)
	}
}

// handleExec runs argv[0] with argv[1:], feeding StdinContents on stdin and
// streaming stdout/stderr back as exec-output before the final
// exec-response, per spec §6.
func handleExec(w *bufio.Writer, msg types.Message) {
	if len(msg.Argv) == 0 {
		sendExecResponse(w, msg.ID, 1, "", "exec-request had empty argv")
		return
	}
	cmd := exec.Command(msg.Argv[0], msg.Argv[1:]...)
	cmd.Stdin = strings.NewReader(msg.StdinContents)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		sendExecResponse(w, msg.ID, 1, "", err.Error())
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		sendExecResponse(w, msg.ID, 1, "", err.Error())
		return
	}

	if err := cmd.Start(); err != nil {
		sendExecResponse(w, msg.ID, 1, "", "failed to start: "+err.Error())
		return
	}

	var fullStdout, fullStderr bytes.Buffer
	done := make(chan struct{}, 2)
	go streamOutput(w, msg.ID, stdout, &fullStdout, true, done)
	go streamOutput(w, msg.ID, stderr, &fullStderr, false, done)
	<-done
	<-done

	exit := 0
	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exit = exitErr.ExitCode()
		} else {
			exit = 1
		}
	}
	sendExecResponse(w, msg.ID, exit, fullStdout.String(), fullStderr.String())
}

// streamOutput relays r line by line as exec-output messages, buffering a
// copy into full for the final exec-response (spec §6 carries the whole
// stdout/stderr on exec-response too, not just the incremental chunks).
func streamOutput(w *bufio.Writer, id string, r io.Reader, full *bytes.Buffer, isStdout bool, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text() + "\n"
		full.WriteString(line)
		out := types.Message{Type: types.TypeExecOutput, ID: id}
		if isStdout {
			out.Stdout = line
		} else {
			out.Stderr = line
		}
		if err := sendMessage(w, out); err != nil {
			return
		}
	}
}

func sendExecResponse(w *bufio.Writer, id string, exit int, stdout, stderr string) {
	sendMessage(w, types.Message{
		Type:   types.TypeExecResponse,
		ID:     id,
		Exit:   types.IntPtr(exit),
		Stdout: stdout,
		Stderr: stderr,
	})
}

// handleHTTP issues msg.Method against msg.URL with msg.Headers/msg.Body
// and relays the response as http-response, per spec §6.
func handleHTTP(w *bufio.Writer, msg types.Message) {
	method := msg.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if msg.Body != "" {
		body = strings.NewReader(msg.Body)
	}
	req, err := http.NewRequest(method, msg.URL, body)
	if err != nil {
		sendMessage(w, types.Message{Type: types.TypeHTTPResponse, ID: msg.ID, Status: 0, Body: err.Error()})
		return
	}
	for k, v := range msg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		sendMessage(w, types.Message{Type: types.TypeHTTPResponse, ID: msg.ID, Status: 0, Body: err.Error()})
		return
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		sendMessage(w, types.Message{Type: types.TypeHTTPResponse, ID: msg.ID, Status: resp.StatusCode, Body: ""})
		return
	}
	sendMessage(w, types.Message{Type: types.TypeHTTPResponse, ID: msg.ID, Status: resp.StatusCode, Body: string(data)})
}
