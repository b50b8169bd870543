package display

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestTableRender(t *testing.T) {
	out := NewTable("ID", "SIZE").
		AddRow("a1", "10 B").
		AddRow("b22", "1.0 KiB").
		Align(1, AlignRight).
		Render()

	want := "" +
		"+-----+---------+\n" +
		"| ID  |    SIZE |\n" +
		"+-----+---------+\n" +
		"| a1  |    10 B |\n" +
		"| b22 | 1.0 KiB |\n" +
		"+-----+---------+\n"
	assert.Equal(t, want, out)
}

func TestTableWithoutBorder(t *testing.T) {
	out := NewTable("KEY", "VALUE").Border(NoBorder).AddRow("state", "completed").Render()
	assert.Equal(t, " KEY     VALUE\n state   completed\n", out)
}

func TestTableFitsMaxWidth(t *testing.T) {
	tbl := NewTable("ID", "DESCRIPTION").
		AddRow("1", strings.Repeat("x", 60)).
		MaxWidth(30)

	for _, line := range strings.Split(strings.TrimSuffix(tbl.Render(), "\n"), "\n") {
		assert.LessOrEqual(t, len(line), 30, line)
	}
	assert.Contains(t, tbl.Render(), "...")
}

func TestTableEmpty(t *testing.T) {
	assert.Equal(t, "", NewTable().Render())
	assert.Equal(t, 0, NewTable("A").Len())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 3))
	assert.Equal(t, "a...", truncate("abcdef", 4))
	assert.Equal(t, "ab", truncate("abcdef", 2))
	assert.Equal(t, "é...", truncate("éééééé", 4))
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{"", FormatTable, false},
		{"table", FormatTable, false},
		{"JSON", FormatJSON, false},
		{"yml", FormatYAML, false},
		{"compact", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncode(t *testing.T) {
	v := map[string]any{"id": "b1", "size": 12}

	var js bytes.Buffer
	require.NoError(t, Encode(&js, FormatJSON, v))
	assert.JSONEq(t, `{"id":"b1","size":12}`, js.String())

	var ym bytes.Buffer
	require.NoError(t, Encode(&ym, FormatYAML, v))
	var back map[string]any
	require.NoError(t, yaml.Unmarshal(ym.Bytes(), &back))
	assert.Equal(t, "b1", back["id"])

	assert.Error(t, Encode(&js, FormatTable, v))
}

func TestRecords(t *testing.T) {
	recs := Records([]string{"a", "b"}, [][]string{{"1", "2"}, {"3"}})
	assert.Equal(t, []map[string]string{{"a": "1", "b": "2"}, {"a": "3", "b": ""}}, recs)
	assert.Empty(t, Records([]string{"a"}, nil))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.0 KiB", FormatBytes(1024))
	assert.Equal(t, "1.5 MiB", FormatBytes(3*1024*1024/2))
}

func TestPrinterTableOutput(t *testing.T) {
	var out, errOut bytes.Buffer
	p := NewPrinter(&out, &errOut, FormatTable, false)
	assert.False(t, p.Palette().Enabled(), "buffers are not terminals")

	p.Header("Backups")
	require.NoError(t, p.Table([]string{"ID"}, [][]string{{"b1"}}))
	p.Success("created %s", "b1")
	p.Error("boom")

	assert.Contains(t, out.String(), "Backups\n=======")
	assert.Contains(t, out.String(), "| b1 |")
	assert.Contains(t, out.String(), "[OK] created b1")
	assert.Equal(t, "[ERROR] boom\n", errOut.String())
}

func TestPrinterStructuredOutput(t *testing.T) {
	var out, errOut bytes.Buffer
	p := NewPrinter(&out, &errOut, FormatJSON, true)
	require.True(t, p.Structured())

	p.Header("ignored")
	p.Info("status goes to stderr")
	require.NoError(t, p.Table([]string{"ID", "KIND"}, [][]string{{"b1", "full"}}))

	var recs []map[string]string
	require.NoError(t, json.Unmarshal(out.Bytes(), &recs))
	assert.Equal(t, []map[string]string{{"ID": "b1", "KIND": "full"}}, recs)
	assert.Contains(t, errOut.String(), "status goes to stderr")
}

func TestPrinterValue(t *testing.T) {
	var out bytes.Buffer
	called := false
	p := NewPrinter(&out, &out, FormatTable, false)
	require.NoError(t, p.Value(struct{}{}, func() { called = true }))
	assert.True(t, called)

	out.Reset()
	p = NewPrinter(&out, &out, FormatYAML, false)
	require.NoError(t, p.Value(map[string]int{"progress": 70}, func() { t.Fatal("human renderer used for yaml") }))
	assert.Equal(t, "progress: 70\n", out.String())
}

func TestKeyValues(t *testing.T) {
	var out bytes.Buffer
	NewPrinter(&out, &out, FormatTable, false).KeyValues([][2]string{{"id", "r1"}, {"state", "completed"}})
	assert.Equal(t, "  id:    r1\n  state: completed\n", out.String())
}

func TestProgressBar(t *testing.T) {
	var out bytes.Buffer
	bar := NewProgressBar(&out, false, nil)
	bar.Update(10, "snapshot")
	bar.Update(10, "snapshot")
	bar.Update(150, "finalize")
	bar.Finish(100, "completed")
	bar.Update(5, "ignored after finish")

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "["+strings.Repeat("#", 3)+strings.Repeat("-", 27)+"]  10% snapshot", lines[0])
	assert.Equal(t, "["+strings.Repeat("#", 30)+"] 100% finalize", lines[1])
	assert.True(t, strings.HasSuffix(lines[2], "completed"))
}

func TestProgressBarInPlace(t *testing.T) {
	var out bytes.Buffer
	bar := NewProgressBar(&out, true, NewPalette(false))
	bar.Update(50, "apply")
	bar.Finish(100, "done")
	want := "\r\033[K[" + strings.Repeat("#", 15) + strings.Repeat("-", 15) + "]  50% apply"
	assert.True(t, strings.HasPrefix(out.String(), want), "%q", out.String())
	assert.True(t, strings.HasSuffix(out.String(), "done\n"))
}

func TestPalette(t *testing.T) {
	assert.Equal(t, "x", NewPalette(false).Sprint(ColorError, "x"))
	colored := NewPalette(true).Sprint(ColorError, "x")
	assert.NotEqual(t, "x", colored)
	assert.Contains(t, colored, "x")
	var nilPalette *Palette
	assert.Equal(t, "x", nilPalette.Sprint(ColorSuccess, "x"))
}

func TestIconRender(t *testing.T) {
	assert.Equal(t, "✓", IconSuccess.Render(true))
	assert.Equal(t, "[OK]", IconSuccess.Render(false))
}
