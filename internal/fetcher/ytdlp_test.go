package fetcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
)

// mockExecCommandContext re-runs the test binary so TestHelperProcess can
// stand in for yt-dlp.
func mockExecCommandContext(ctx context.Context, command string, args ...string) *exec.Cmd {
	cs := []string{"-test.run=TestHelperProcess", "--", command}
	cs = append(cs, args...)
	cmd := exec.CommandContext(ctx, os.Args[0], cs...)
	cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")
	return cmd
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	has := func(want string) bool {
		for _, a := range args {
			if a == want {
				return true
			}
		}
		return false
	}
	remoteURL := args[len(args)-1]

	switch {
	case has("-j"):
		fmt.Println(`{"id":"vid1","title":"First Video","url":"https://example.com/v/vid1"}`)
		fmt.Println("WARNING: some diagnostic noise")
		fmt.Println(`{"title":"entry without an id"}`)
		fmt.Println(`{"id":"vid2","title":"Second Video"}`)
		os.Exit(0)
	case has("--print-json"):
		if remoteURL == "https://example.com/broken" {
			fmt.Fprintln(os.Stderr, "ERROR: unable to download video data")
			os.Exit(1)
		}
		fmt.Println("[download]  10.0% of 10.00MiB at 1.00MiB/s ETA 00:09")
		fmt.Println("[download]  55.5% of 10.00MiB at 1.00MiB/s ETA 00:04")
		fmt.Println("[download] 100% of 10.00MiB at 1.00MiB/s ETA 00:00")
		fmt.Println(`{"id":"vid1","title":"First Video","uploader":"Chan","duration":61.5,"_filename":"media/vid1.mp4"}`)
		os.Exit(0)
	case has("--playlist-items"):
		fmt.Println("UCchannel123")
		fmt.Println("My Channel")
		os.Exit(0)
	}
	os.Exit(1)
}

func withMockExec(t *testing.T) {
	orig := execCommandContext
	execCommandContext = mockExecCommandContext
	t.Cleanup(func() { execCommandContext = orig })
}

func TestListing(t *testing.T) {
	withMockExec(t)

	entries, err := New().Listing(context.Background(), "https://example.com/channel")
	assert.NoError(t, err)
	assert.Len(t, entries, 2, "noise and id-less lines are skipped")
	assert.Equal(t, "vid1", entries[0].ID)
	assert.Equal(t, "First Video", entries[0].Title)
	assert.Equal(t, "vid2", entries[1].ID)
}

func TestProbe(t *testing.T) {
	withMockExec(t)

	info, err := New().Probe(context.Background(), "https://example.com/channel")
	assert.NoError(t, err)
	assert.Equal(t, "UCchannel123", info.ID)
	assert.Equal(t, "My Channel", info.Title)
}

func TestFetchParsesProgressAndMetadata(t *testing.T) {
	withMockExec(t)

	var percents []float64
	res, err := New().Fetch(context.Background(), "https://example.com/v/vid1", Options{OutputDir: "media"}, func(p Progress) {
		percents = append(percents, p.Percent)
	})

	assert.NoError(t, err)
	assert.Equal(t, []float64{10, 55.5, 100}, percents)
	assert.Equal(t, "vid1", res.ID)
	assert.Equal(t, "media/vid1.mp4", res.Filename)
	assert.Equal(t, 61.5, res.Duration)
}

func TestFetchSurfacesStderrOnFailure(t *testing.T) {
	withMockExec(t)

	res, err := New().Fetch(context.Background(), "https://example.com/broken", Options{OutputDir: "media"}, nil)
	assert.Nil(t, res)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unable to download video data")
}

func TestParseProgressLine(t *testing.T) {
	testCases := []struct {
		name string
		line string
		ok   bool
		pct  float64
		eta  string
	}{
		{"full line", "[download]  42.1% of 120.50MiB at 4.20MiB/s ETA 00:17", true, 42.1, "00:17"},
		{"approx size", "[download]   5.0% of ~1.20GiB at 900.00KiB/s ETA 23:10", true, 5.0, "23:10"},
		{"unknown eta", "[download]  99.9% of 10.00MiB at 1.00MiB/s ETA Unknown", true, 99.9, "Unknown"},
		{"hundred percent", "[download] 100% of 10.00MiB in 00:12", true, 100, ""},
		{"destination line", "[download] Destination: media/vid1.mp4", false, 0, ""},
		{"metadata line", `{"id":"vid1"}`, false, 0, ""},
		{"empty", "", false, 0, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p, ok := ParseProgressLine(tc.line)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.pct, p.Percent)
				assert.Equal(t, tc.eta, p.ETA)
			}
		})
	}
}
