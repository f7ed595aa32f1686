package processor

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"mysql-es-sync/internal/config"
	"mysql-es-sync/internal/models"
)

func writeScript(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transform.js")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func sampleEvent() *DocumentEvent {
	return &DocumentEvent{
		Type:     "INSERT",
		Database: "shop",
		Table:    "orders",
		Key:      "5",
		Document: models.SinkDocument{
			models.KeyField: "5",
			"id":            "5",
			"Title":         "foo",
			"secret":        "x",
		},
	}
}

func TestTransformDisabled(t *testing.T) {
	tr, err := NewTransformer(&config.ProcessorConfig{Rules: []config.Rule{{Exclude: []string{"secret"}}}}, quietLogger())
	require.NoError(t, err)
	require.False(t, tr.Enabled())

	ev := sampleEvent()
	out, err := tr.Transform(ev)
	require.NoError(t, err)
	require.Same(t, ev, out)
}

func TestTransformWithRules(t *testing.T) {
	tr, err := NewTransformer(&config.ProcessorConfig{
		Enabled: true,
		Rules: []config.Rule{
			{Database: "crm", Exclude: []string{"id"}},
			{
				Database:  "SHOP",
				Table:     "orders",
				Exclude:   []string{"secret"},
				Rename:    map[string]string{"title": "name"},
				AddFields: map[string]string{"source": "mysql"},
			},
		},
	}, quietLogger())
	require.NoError(t, err)

	out, err := tr.Transform(sampleEvent())
	require.NoError(t, err)
	require.Equal(t, models.SinkDocument{
		models.KeyField: "5",
		"id":            "5",
		"name":          "foo",
		"source":        "mysql",
	}, out.Document)
}

func TestTransformIncludeKeepsKeyField(t *testing.T) {
	tr, err := NewTransformer(&config.ProcessorConfig{
		Enabled: true,
		Rules:   []config.Rule{{Include: []string{"title"}}},
	}, quietLogger())
	require.NoError(t, err)

	out, err := tr.Transform(sampleEvent())
	require.NoError(t, err)
	require.Equal(t, models.SinkDocument{models.KeyField: "5", "Title": "foo"}, out.Document)
}

func TestTransformWithJavaScript(t *testing.T) {
	script := writeScript(t, `
function transform(event) {
	console.log("transforming", event.key);
	event.document.title = event.document.Title.toUpperCase();
	delete event.document.secret;
	event.key = "hijacked";
	return event;
}`)
	tr, err := NewTransformer(&config.ProcessorConfig{Enabled: true, Script: script}, quietLogger())
	require.NoError(t, err)
	require.True(t, tr.Enabled())

	out, err := tr.Transform(sampleEvent())
	require.NoError(t, err)
	require.Equal(t, "5", out.Key)
	require.Equal(t, "FOO", out.Document["title"])
	require.Equal(t, "5", out.Document[models.KeyField])
	require.NotContains(t, out.Document, "secret")
}

func TestTransformJavaScriptReject(t *testing.T) {
	script := writeScript(t, `(function(event) {
	if (event.table === "orders") { return null; }
	return event;
})`)
	tr, err := NewTransformer(&config.ProcessorConfig{Enabled: true, Script: script}, quietLogger())
	require.NoError(t, err)

	_, err = tr.Transform(sampleEvent())
	require.True(t, errors.Is(err, ErrEventRejected))
}

func TestTransformJavaScriptError(t *testing.T) {
	script := writeScript(t, `function transform(event) { throw new Error("boom"); }`)
	tr, err := NewTransformer(&config.ProcessorConfig{Enabled: true, Script: script}, quietLogger())
	require.NoError(t, err)

	_, err = tr.Transform(sampleEvent())
	require.ErrorContains(t, err, "boom")
	require.False(t, errors.Is(err, ErrEventRejected))
}

func TestNewTransformerInvalidScript(t *testing.T) {
	_, err := NewTransformer(&config.ProcessorConfig{Enabled: true, Script: writeScript(t, `var x = 1;`)}, quietLogger())
	require.ErrorContains(t, err, "must export a function")

	_, err = NewTransformer(&config.ProcessorConfig{Enabled: true, Script: writeScript(t, `function (`)}, quietLogger())
	require.Error(t, err)

	_, err = NewTransformer(&config.ProcessorConfig{Enabled: true, Script: "/does/not/exist.js"}, quietLogger())
	require.Error(t, err)
}
