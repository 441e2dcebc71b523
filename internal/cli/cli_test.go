package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idwallet/go-core/pkg/models"
)

type fixture struct {
	dir    string
	config string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("IDW_KEYS_PASSPHRASE", "correct horse battery")
	for _, key := range []string{"IDW_PROFILE_PATH", "IDW_KEYS_PATH", "IDW_METRICS_LISTEN", "IDW_TRANSPORT", "IDW_LOG_LEVEL"} {
		t.Setenv(key, "")
	}

	profile := `parameters:
  domain: example.org
  account: alice
defaultConnectivity: true
step: 4
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile.yaml"), []byte(profile), 0o600))

	cfg := "profile:\n  path: " + filepath.Join(dir, "profile.yaml") + "\n" +
		"keys:\n  path: " + filepath.Join(dir, "keys.json") + "\n" +
		"metrics:\n  listen: \"\"\n" +
		"log:\n  level: error\n"
	path := filepath.Join(dir, "idwallet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return fixture{dir: dir, config: path}
}

func (f fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--config", f.config}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	f := newFixture(t)
	out, err := f.run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "idwallet-session version="+Version)
}

func TestKeysInitRefusesToOverwrite(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "keys", "init")
	require.NoError(t, err)
	require.Contains(t, out, "recovery phrase: ")
	phrase := strings.TrimSpace(out[strings.Index(out, "recovery phrase: ")+len("recovery phrase: "):])
	assert.Len(t, strings.Fields(phrase), 24)

	_, err = f.run(t, "keys", "init")
	require.ErrorIs(t, err, ErrKeysExist)

	shown, err := f.run(t, "keys", "show")
	require.NoError(t, err)
	firstID := strings.SplitN(out, "\n", 2)[0]
	assert.Contains(t, shown, firstID)

	restored, err := f.run(t, append([]string{"keys", "restore"}, strings.Fields(phrase)...)...)
	require.NoError(t, err)
	assert.Equal(t, firstID+"\n", restored)
}

func TestKeysShowWithoutKeys(t *testing.T) {
	f := newFixture(t)
	_, err := f.run(t, "keys", "show")
	require.Error(t, err)
}

func TestDiscoverPrintsResolvedAddresses(t *testing.T) {
	f := newFixture(t)
	_, err := f.run(t, "keys", "init")
	require.NoError(t, err)

	out, err := f.run(t, "discover")
	require.NoError(t, err)
	assert.Contains(t, out, string(models.ExtensionLegalIdentity))
	assert.Contains(t, out, "legal.example.org")
	assert.Contains(t, out, "discovery complete")

	data, err := os.ReadFile(filepath.Join(f.dir, "profile.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "credentialHash")
}

func TestMissingDomainIsReported(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "profile.yaml"), []byte("step: 4\n"), 0o600))

	_, err := f.run(t, "discover")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no domain")
}

func TestPrintAddressesListsMissing(t *testing.T) {
	var addrs models.AddressSet
	addrs.Set(models.ExtensionLegalIdentity, "legal.example.org")

	var b bytes.Buffer
	require.NoError(t, printAddresses(&b, addrs, false))
	assert.Contains(t, b.String(), "legal.example.org")
	assert.Contains(t, b.String(), "missing: ")
	assert.Contains(t, b.String(), string(models.ExtensionECurrency))
}
