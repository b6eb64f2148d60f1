package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cliEnv struct {
	t   *testing.T
	dir string
	cfg string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := filepath.Join(dir, "correctord.json")
	body := fmt.Sprintf(`{"logging":{"level":"error"},"storage":{"path":%q},"artifacts":{"dir":%q},"http":{"jwt_secret":"cli-secret"}}`,
		filepath.Join(dir, "reg.db"), filepath.Join(dir, "storage"))
	require.NoError(t, os.WriteFile(cfg, []byte(body), 0o644))
	return &cliEnv{t: t, dir: dir, cfg: cfg}
}

func (e *cliEnv) run(args ...string) (string, error) {
	var out bytes.Buffer
	root := NewRootCmd(&out)
	root.SetArgs(append([]string{"--config", e.cfg}, args...))
	err := root.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestSeedAndInspect(t *testing.T) {
	e := newCLIEnv(t)

	out, err := e.run("migrate")
	require.NoError(t, err)
	assert.Equal(t, "registry ready (sqlite)", out)

	uid, err := e.run("user", "add", "--email", "ana@example.com", "--plan", "premium")
	require.NoError(t, err)
	require.NotEmpty(t, uid)

	again, err := e.run("user", "add", "--email", "ana@example.com", "--plan", "free")
	require.NoError(t, err)
	assert.Equal(t, uid, again, "same email keeps its id")

	pid, err := e.run("project", "add", "--user", uid, "--name", "novela")
	require.NoError(t, err)
	require.NotEmpty(t, pid)

	src := filepath.Join(e.dir, "capítulo 1.txt")
	require.NoError(t, os.WriteFile(src, []byte("Hola."), 0o644))
	did, err := e.run("doc", "add", "--user", uid, "--project", pid, "--file", src)
	require.NoError(t, err)
	require.NotEmpty(t, did)

	matches, err := filepath.Glob(filepath.Join(e.dir, "storage", uid, pid, "*_capítulo_1.txt"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	_, err = e.run("doc", "add", "--user", "someone-else", "--project", pid, "--file", src)
	assert.Error(t, err)

	_, err = e.run("run", "status", "missing")
	assert.Error(t, err)
}

func TestUserAddRejectsUnknownPlan(t *testing.T) {
	e := newCLIEnv(t)
	_, err := e.run("user", "add", "--email", "x@example.com", "--plan", "gold")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown plan")
}

func TestTokenCommand(t *testing.T) {
	e := newCLIEnv(t)
	tok, err := e.run("token", "--user", "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(tok, "."))
}
