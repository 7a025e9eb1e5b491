package fetcher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// execCommandContext is swapped out by tests.
var execCommandContext = exec.CommandContext

// Options carry the per-subscription invocation parameters for a fetch.
type Options struct {
	Format        string
	RateLimitKBps int
	SourceAddress string
	UserAgent     string
	CookieFile    string
	OutputDir     string
}

// ListingEntry is one remote item from a metadata-only flat listing.
type ListingEntry struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	URL        string `json:"url"`
	UploadDate string `json:"upload_date"`
}

// Result is the metadata block yt-dlp prints after a full fetch.
type Result struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Uploader   string  `json:"uploader"`
	UploadDate string  `json:"upload_date"`
	ViewCount  int64   `json:"view_count"`
	WebpageURL string  `json:"webpage_url"`
	Duration   float64 `json:"duration"`
	Filename   string  `json:"_filename"`
}

// Progress is one structured progress update parsed from yt-dlp stdout.
type Progress struct {
	Percent float64
	Size    string
	Speed   string
	ETA     string
}

// CollectionInfo identifies a remote collection for subscription creation.
type CollectionInfo struct {
	ID    string
	Title string
}

// Client invokes the external yt-dlp binary.
type Client struct {
	binary         string
	listingTimeout time.Duration
}

func New() *Client {
	return NewClient("yt-dlp")
}

func NewClient(binary string) *Client {
	return &Client{binary: binary, listingTimeout: 5 * time.Minute}
}

// [download]  42.1% of 120.50MiB at 4.20MiB/s ETA 00:17
var progressRe = regexp.MustCompile(`\[download\]\s+([0-9]+(?:\.[0-9]+)?)%(?:\s+of\s+~?([^\s]+))?(?:\s+at\s+([^\s]+))?(?:\s+ETA\s+([0-9:]+|Unknown))?`)

// ParseProgressLine extracts a progress update from one line of yt-dlp
// stdout. Returns false for lines that are not progress updates.
func ParseProgressLine(line string) (Progress, bool) {
	m := progressRe.FindStringSubmatch(line)
	if m == nil {
		return Progress{}, false
	}
	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return Progress{}, false
	}
	return Progress{Percent: pct, Size: m[2], Speed: m[3], ETA: m[4]}, true
}

// Listing runs the metadata-only flat listing mode: one JSON object per
// line on stdout, each with at least an id. Lines that fail to parse are
// skipped, not fatal.
func (c *Client) Listing(ctx context.Context, remoteURL string) ([]ListingEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, c.listingTimeout)
	defer cancel()

	cmd := execCommandContext(ctx, c.binary,
		"--flat-playlist",
		"-j",
		remoteURL,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to execute %s listing: %w, output: %s", c.binary, err, truncate(string(output), 512))
	}

	var entries []ListingEntry
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var entry ListingEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			log.Printf("fetcher: skipping unparseable listing line: %v", err)
			continue
		}
		if entry.ID == "" {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Probe resolves a collection's id and title without listing its contents.
func (c *Client) Probe(ctx context.Context, remoteURL string) (CollectionInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := execCommandContext(ctx, c.binary,
		"--flat-playlist",
		"--playlist-items", "0",
		"--print", "playlist:%(id)s\n%(title)s",
		remoteURL,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return CollectionInfo{}, fmt.Errorf("failed to probe %s: %w, output: %s", remoteURL, err, truncate(string(output), 512))
	}
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	if len(lines) < 2 || lines[0] == "" || lines[1] == "" || lines[1] == "NA" {
		return CollectionInfo{}, fmt.Errorf("could not extract collection info from %s, output: %s", remoteURL, truncate(string(output), 512))
	}
	return CollectionInfo{ID: lines[0], Title: lines[1]}, nil
}

// Fetch runs a full download of one item. Progress updates parsed from
// stdout are delivered through onProgress; the final metadata JSON line
// becomes the Result. A zero exit code is success, anything else is a
// failure carrying the stderr tail.
func (c *Client) Fetch(ctx context.Context, remoteURL string, opts Options, onProgress func(Progress)) (*Result, error) {
	args := []string{
		"--newline",
		"--print-json",
		"-o", filepath.Join(opts.OutputDir, "%(id)s.%(ext)s"),
	}
	if opts.Format != "" {
		args = append(args, "-f", opts.Format)
	}
	if opts.RateLimitKBps > 0 {
		args = append(args, "--limit-rate", fmt.Sprintf("%dK", opts.RateLimitKBps))
	}
	if opts.SourceAddress != "" {
		args = append(args, "--source-address", opts.SourceAddress)
	}
	if opts.UserAgent != "" {
		args = append(args, "--user-agent", opts.UserAgent)
	}
	if opts.CookieFile != "" {
		args = append(args, "--cookies", opts.CookieFile)
	}
	args = append(args, remoteURL)

	cmd := execCommandContext(ctx, c.binary, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", c.binary, err)
	}

	var result *Result
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if p, ok := ParseProgressLine(line); ok {
			if onProgress != nil {
				onProgress(p)
			}
			continue
		}
		if strings.HasPrefix(line, "{") {
			var r Result
			if err := json.Unmarshal([]byte(line), &r); err != nil {
				log.Printf("fetcher: skipping unparseable metadata line: %v", err)
				continue
			}
			result = &r
		}
	}

	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("%s exited: %w, stderr: %s", c.binary, err, truncate(stderr.String(), 512))
	}
	if result == nil {
		return nil, fmt.Errorf("%s produced no metadata for %s", c.binary, remoteURL)
	}
	return result, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
