package main

import (
	"bytes"
	"errors"
	"flag"
	"strings"
	"testing"
	"time"

	"github.com/basekick-labs/schemaless/internal/ingest"
	"github.com/basekick-labs/schemaless/internal/loader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	var stderr bytes.Buffer
	opts, err := parseFlags([]string{"-format", "msgpack", "-dry-run", "-no-fast-path", "a.mp", "b.mp"}, &stderr)
	require.NoError(t, err)
	assert.Equal(t, loader.FormatMsgPack, opts.format)
	assert.True(t, opts.dryRun)
	assert.True(t, opts.noFastPath)
	assert.False(t, opts.showMetrics)
	assert.Equal(t, []string{"a.mp", "b.mp"}, opts.files)
}

func TestParseFlags_Errors(t *testing.T) {
	var stderr bytes.Buffer

	_, err := parseFlags(nil, &stderr)
	assert.ErrorContains(t, err, "no payload files")
	assert.Contains(t, stderr.String(), "usage: schemaless")

	_, err = parseFlags([]string{"-format", "xml", "a.json"}, &stderr)
	assert.ErrorContains(t, err, "unknown format")

	_, err = parseFlags([]string{"-version"}, &stderr)
	assert.True(t, errors.Is(err, flag.ErrHelp))
}

func TestRun_BadFlags(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, run([]string{"-format", "xml", "a.json"}, &stdout, &stderr))
	assert.Equal(t, 0, run([]string{"-version"}, &stdout, &stderr))
}

func TestPrintSummary(t *testing.T) {
	reports := []*loader.Report{
		{
			Format:   loader.FormatJSON,
			Mode:     ingest.ModeFast,
			Points:   3,
			Tables:   []string{"cpu"},
			Segments: []ingest.Segment{{Rows: 2}, {Rows: 1}},
			Duration: 1500 * time.Microsecond,
		},
		nil,
	}
	errs := []error{nil, errors.New("boom")}

	var out bytes.Buffer
	failed := printSummary(&out, []string{"cpu.json", "bad.json"}, reports, errs)
	assert.Equal(t, 1, failed)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "cpu.json: json mode=fast points=3 rows=3 segments=2 reruns=0 tables=cpu duration=1.5ms", lines[0])
	assert.Equal(t, "bad.json: FAILED (unknown) boom", lines[1])
	assert.Equal(t, "total: files=2 failed=1 points=3 rows=3 segments=2", lines[2])
}
