// Package workertest is a stub knowledge worker that speaks the bridge wire
// protocol. Test binaries run it as a helper process:
//
//	func TestMain(m *testing.M) {
//		if workertest.Enabled() {
//			os.Exit(workertest.Run(os.Stdin, os.Stdout, os.Stderr))
//		}
//		os.Exit(m.Run())
//	}
//
// and point the bridge at os.Args[0] with workertest.Env() in its
// environment.
//
// Behavior is selected per request by method name:
//
//	query_graph   {"ok":true,"seq":n,"params":...}, n counts query_graph calls
//	apply_update  {"applied":true,"updates":n}, an error when params.fail is set
//	echo          the params
//	sleep         responds after params.ms milliseconds, out of order
//	silent        never responds
//	fail          error with params.message
//	exit          exits with params.code
//	deaf          stops reading stdin and never responds
//	hangup        closes stdout, exits after params.ms milliseconds
//	garbage       a line of garbage, then the response
//	noid          a response without an id, then the response
//	split         the response written in two chunks
//	huge          a params.bytes long line, then the response
//	stderr        params.text on stderr, then the response
//	stats         {"queries":q,"updates":u}
package workertest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// EnvVar switches a test binary into worker mode.
const EnvVar = "ROOST_WORKERTEST"

// Enabled reports whether the current process should act as the worker.
func Enabled() bool {
	return os.Getenv(EnvVar) == "1"
}

// Env returns the environment entries that enable worker mode.
func Env() []string {
	return []string{EnvVar + "=1"}
}

type stub struct {
	mu      sync.Mutex
	out     io.Writer
	errOut  io.Writer
	queries atomic.Int64
	updates atomic.Int64
}

func (s *stub) writeRaw(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.out.Write(b)
	if f, ok := s.out.(interface{ Sync() error }); ok {
		_ = f.Sync()
	}
}

func (s *stub) respond(id int64, result string) {
	line, _ := sjson.SetBytes([]byte(`{}`), "id", id)
	line, _ = sjson.SetRawBytes(line, "result", []byte(result))
	s.writeRaw(append(line, '\n'))
}

func (s *stub) fail(id int64, message string) {
	line, _ := sjson.SetBytes([]byte(`{}`), "id", id)
	line, _ = sjson.SetBytes(line, "error.message", message)
	s.writeRaw(append(line, '\n'))
}

// Run serves requests from stdin until it is closed and returns the exit code.
func Run(stdin io.Reader, stdout, stderr io.Writer) int {
	s := &stub{out: stdout, errOut: stderr}

	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64<<10), 16<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if !gjson.ValidBytes(line) {
			fmt.Fprintf(stderr, "invalid request: %s\n", line)
			continue
		}
		req := gjson.ParseBytes(line)
		id := req.Get("id").Int()
		params := req.Get("params")

		if code, exit := s.handle(id, req.Get("method").String(), params); exit {
			return code
		}
	}
	return 0
}

func (s *stub) handle(id int64, method string, params gjson.Result) (int, bool) {
	switch method {
	case "query_graph":
		n := s.queries.Add(1)
		result, _ := sjson.Set(`{"ok":true}`, "seq", n)
		result, _ = sjson.SetRaw(result, "params", rawOr(params, "{}"))
		if ms := params.Get("delay_ms").Int(); ms > 0 {
			go func() {
				time.Sleep(time.Duration(ms) * time.Millisecond)
				s.respond(id, result)
			}()
			return 0, false
		}
		s.respond(id, result)
	case "apply_update":
		if params.Get("fail").Bool() {
			s.fail(id, "update rejected")
			return 0, false
		}
		n := s.updates.Add(1)
		result, _ := sjson.Set(`{"applied":true}`, "updates", n)
		s.respond(id, result)
	case "echo":
		s.respond(id, rawOr(params, "null"))
	case "sleep":
		ms := params.Get("ms").Int()
		go func() {
			time.Sleep(time.Duration(ms) * time.Millisecond)
			result, _ := sjson.Set(`{}`, "slept", ms)
			s.respond(id, result)
		}()
	case "silent":
	case "fail":
		msg := params.Get("message").String()
		if msg == "" {
			msg = "failed"
		}
		s.fail(id, msg)
	case "exit":
		return int(params.Get("code").Int()), true
	case "deaf":
		time.Sleep(time.Hour)
	case "hangup":
		if c, ok := s.out.(io.Closer); ok {
			_ = c.Close()
		}
		time.Sleep(time.Duration(params.Get("ms").Int()) * time.Millisecond)
		return 0, true
	case "garbage":
		s.writeRaw([]byte("this is not json\n"))
		s.respond(id, `{"ok":true}`)
	case "noid":
		s.writeRaw([]byte(`{"result":"orphan"}` + "\n"))
		s.respond(id, `{"ok":true}`)
	case "split":
		line, _ := sjson.SetBytes([]byte(`{}`), "id", id)
		line, _ = sjson.SetRawBytes(line, "result", []byte(`{"ok":true,"split":true}`))
		half := len(line) / 2
		s.writeRaw(line[:half])
		time.Sleep(20 * time.Millisecond)
		s.writeRaw(append(line[half:], '\n'))
	case "huge":
		n := int(params.Get("bytes").Int())
		s.writeRaw([]byte(strings.Repeat("x", n) + "\n"))
		s.respond(id, `{"ok":true}`)
	case "stderr":
		fmt.Fprintln(s.errOut, params.Get("text").String())
		s.respond(id, `{"ok":true}`)
	case "stats":
		result, _ := sjson.Set(`{}`, "queries", s.queries.Load())
		result, _ = sjson.Set(result, "updates", s.updates.Load())
		s.respond(id, result)
	default:
		s.fail(id, "unknown method "+method)
	}
	return 0, false
}

func rawOr(r gjson.Result, fallback string) string {
	if !r.Exists() {
		return fallback
	}
	return r.Raw
}
