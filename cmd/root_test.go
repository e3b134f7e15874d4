package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markconroy/markie-sub000/internal/automator"
	"github.com/markconroy/markie-sub000/internal/config"
	"github.com/markconroy/markie-sub000/internal/model"
	"github.com/markconroy/markie-sub000/internal/rules"
	"github.com/markconroy/markie-sub000/internal/vectorstore"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"run", "batch", "index", "runs", "rules"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "automator", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestRootCommand_PersistentFlags(t *testing.T) {
	for _, name := range []string{"config", "log-level", "log-format", "store"} {
		flag := rootCmd.PersistentFlags().Lookup(name)
		require.NotNil(t, flag, name)
		assert.Empty(t, flag.DefValue, name)
	}
	assert.NotEmpty(t, rootCmd.Example)
}

func TestLoadConfig_FlagsWin(t *testing.T) {
	file := filepath.Join(t.TempDir(), "automator.yaml")
	require.NoError(t, os.WriteFile(file, []byte("log:\n  level: error\nstore:\n  driver: postgres\n"), 0o644))

	prev := []string{flagConfig, flagLogLevel, flagLogFormat, flagStore}
	t.Cleanup(func() {
		flagConfig, flagLogLevel, flagLogFormat, flagStore = prev[0], prev[1], prev[2], prev[3]
	})
	flagConfig, flagLogLevel, flagLogFormat, flagStore = file, "debug", "console", ""

	c, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, "console", c.Log.Format)
	assert.Equal(t, "postgres", c.Store.Driver)

	flagStore = "sqlite"
	c, err = loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", c.Store.Driver)

	flagConfig = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestRunCommand_Flags(t *testing.T) {
	require.NotNil(t, runCmd.Flags().Lookup("record"))
	require.NotNil(t, runCmd.Flags().Lookup("field"))
	rulesFlag := runCmd.Flags().Lookup("rules")
	require.NotNil(t, rulesFlag)
	assert.Equal(t, "rules.yaml", rulesFlag.DefValue)
}

func TestBatchCommand_Flags(t *testing.T) {
	flag := batchCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "100", flag.DefValue)
	require.NotNil(t, batchCmd.Flags().Lookup("retry-failed"))
}

func TestRunsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range runsCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"list", "show", "stats"} {
		assert.True(t, names[name], "expected runs subcommand %q not found", name)
	}
}

func TestFormatStrategies(t *testing.T) {
	reg := automator.NewRegistry()
	rules.Register(reg, rules.Deps{})

	var buf bytes.Buffer
	formatStrategies(&buf, reg)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, len(reg.IDs())+1)
	assert.Contains(t, buf.String(), "llm_video_to_html")
	assert.Contains(t, buf.String(), "LLM: Video To HTML")
	assert.Contains(t, buf.String(), "views_to_text")
}

func withConfig(t *testing.T, c *config.Config) {
	t.Helper()
	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
}

func TestInitStore_SQLite(t *testing.T) {
	withConfig(t, &config.Config{Store: config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "a.db")}})

	st, err := initStore(context.Background())
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	run, err := st.CreateRun(context.Background(), model.Run{RecordType: "node", RecordID: "1", RuleID: "r", FieldName: "f"})
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
}

func TestInitStore_UnknownDriver(t *testing.T) {
	withConfig(t, &config.Config{Store: config.StoreConfig{Driver: "mysql"}})
	_, err := initStore(context.Background())
	assert.Error(t, err)
}

func TestInitInvoker_RegistersKeyedProviders(t *testing.T) {
	c := &config.Config{
		Providers: config.ProvidersConfig{
			Anthropic: config.AnthropicConfig{Key: "sk-ant"},
			OpenAI:    config.OpenAIConfig{Key: "sk-openai", BaseURL: "http://localhost:1"},
		},
		Limits: map[string]config.RateLimitConfig{"openai": {RPS: 1, Burst: 1}},
	}
	iv, err := initInvoker(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, []string{"anthropic", "openai"}, iv.Providers())
}

func TestInitVectors_Memory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.json")
	v, err := initVectors(context.Background(), &config.Config{Search: config.SearchConfig{Driver: "memory", DatabaseURL: path}})
	require.NoError(t, err)
	defer v.Close()

	assert.Equal(t, "memory", v.Backend)
	_, err = v.Store.Upsert(context.Background(), "", "docs", []vectorstore.Document{{ID: "a", EntityID: "node/1", Vector: []float32{1}}})
	require.NoError(t, err)
	require.NoError(t, v.Migrate(context.Background(), "", 1))
	require.NoError(t, v.Save())

	reloaded, err := vectorstore.LoadMemory(path)
	require.NoError(t, err)
	assert.NotNil(t, reloaded)
}

func TestInitVectors_UnknownDriver(t *testing.T) {
	_, err := initVectors(context.Background(), &config.Config{Search: config.SearchConfig{Driver: "milvus"}})
	assert.Error(t, err)
}
