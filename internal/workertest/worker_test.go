package workertest

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func run(t *testing.T, requests ...string) ([]gjson.Result, string, int) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := Run(strings.NewReader(strings.Join(requests, "\n")+"\n"), &out, &errOut)

	var lines []gjson.Result
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		lines = append(lines, gjson.Parse(scanner.Text()))
	}
	require.NoError(t, scanner.Err())
	return lines, errOut.String(), code
}

func TestRun(t *testing.T) {
	t.Run("counts queries and updates", func(t *testing.T) {
		lines, _, code := run(t,
			`{"method":"query_graph","params":{"text":"x"},"id":1}`,
			`{"method":"query_graph","params":{"text":"y"},"id":2}`,
			`{"method":"apply_update","params":{},"id":3}`,
			`{"method":"stats","params":{},"id":4}`,
		)
		assert.Equal(t, 0, code)
		require.Len(t, lines, 4)
		assert.EqualValues(t, 1, lines[0].Get("id").Int())
		assert.True(t, lines[0].Get("result.ok").Bool())
		assert.Equal(t, "x", lines[0].Get("result.params.text").String())
		assert.EqualValues(t, 2, lines[1].Get("result.seq").Int())
		assert.True(t, lines[2].Get("result.applied").Bool())
		assert.EqualValues(t, 2, lines[3].Get("result.queries").Int())
		assert.EqualValues(t, 1, lines[3].Get("result.updates").Int())
	})

	t.Run("reports errors", func(t *testing.T) {
		lines, _, _ := run(t,
			`{"method":"fail","params":{"message":"no such node"},"id":7}`,
			`{"method":"apply_update","params":{"fail":true},"id":8}`,
			`{"method":"bogus","params":{},"id":9}`,
		)
		require.Len(t, lines, 3)
		assert.Equal(t, "no such node", lines[0].Get("error.message").String())
		assert.Equal(t, "update rejected", lines[1].Get("error.message").String())
		assert.Contains(t, lines[2].Get("error.message").String(), "bogus")
	})

	t.Run("emits noise before the response", func(t *testing.T) {
		lines, stderr, _ := run(t,
			`{"method":"garbage","params":{},"id":1}`,
			`{"method":"noid","params":{},"id":2}`,
			`{"method":"stderr","params":{"text":"warming up"},"id":3}`,
		)
		require.Len(t, lines, 5)
		assert.False(t, lines[0].IsObject())
		assert.True(t, lines[1].IsObject())
		assert.False(t, lines[2].Get("id").Exists())
		assert.EqualValues(t, 2, lines[3].Get("id").Int())
		assert.EqualValues(t, 3, lines[4].Get("id").Int())
		assert.Equal(t, "warming up\n", stderr)
	})

	t.Run("exits with the requested code", func(t *testing.T) {
		lines, _, code := run(t,
			`{"method":"echo","params":{"a":1},"id":1}`,
			`{"method":"exit","params":{"code":3},"id":2}`,
			`{"method":"echo","params":{"a":2},"id":3}`,
		)
		assert.Equal(t, 3, code)
		require.Len(t, lines, 1)
		assert.EqualValues(t, 1, lines[0].Get("result.a").Int())
	})

	t.Run("silent requests get no response", func(t *testing.T) {
		lines, _, _ := run(t, `{"method":"silent","params":{},"id":1}`)
		assert.Empty(t, lines)
	})
}

func TestEnv(t *testing.T) {
	assert.Equal(t, []string{EnvVar + "=1"}, Env())
	t.Setenv(EnvVar, "1")
	assert.True(t, Enabled())
	t.Setenv(EnvVar, "")
	assert.False(t, Enabled())
}
