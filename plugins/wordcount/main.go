// Command wordcount is an exec plugin: it reads one request on stdin and
// writes JSON lines on stdout.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/mattjoyce/jobserver/internal/protocol"
	"github.com/mattjoyce/jobserver/internal/request"
)

const defaultTop = 3

func main() {
	out := json.NewEncoder(os.Stdout)
	for _, l := range run(os.Stdin) {
		_ = out.Encode(l)
	}
}

func run(in io.Reader) []protocol.Line {
	var req protocol.Request
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return []protocol.Line{errLine(fmt.Sprintf("invalid request JSON: %v", err))}
	}
	if req.Protocol != protocol.Version {
		return []protocol.Line{errLine(fmt.Sprintf("unsupported protocol %d", req.Protocol))}
	}

	text, ok := req.Data["text"]
	if !ok {
		return []protocol.Line{errLine("data.text is required")}
	}
	top := defaultTop
	if s, ok := req.Data["top"]; ok {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return []protocol.Line{errLine(fmt.Sprintf("invalid top %q", s))}
		}
		top = n
	}

	lines := []protocol.Line{progress("counting")}
	c := count(text)

	lines = append(lines, progress("ranking"))
	d := request.NewData()
	d.AddString("lines", strconv.Itoa(c.lines))
	d.AddString("words", strconv.Itoa(c.words))
	d.AddString("bytes", strconv.Itoa(len(text)))
	d.AddList("top", c.top(top))
	return append(lines, protocol.Line{Kind: protocol.KindResult, Status: protocol.StatusOK, Data: d})
}

type counts struct {
	lines int
	words int
	freq  map[string]int
}

func count(text string) counts {
	c := counts{freq: make(map[string]int)}
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		c.lines++
		for _, w := range strings.Fields(sc.Text()) {
			w = strings.ToLower(strings.Trim(w, ".,;:!?\"'()"))
			if w == "" {
				continue
			}
			c.words++
			c.freq[w]++
		}
	}
	return c
}

// top returns the n most frequent words, ties broken alphabetically.
func (c counts) top(n int) []string {
	words := make([]string, 0, len(c.freq))
	for w := range c.freq {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if c.freq[words[i]] != c.freq[words[j]] {
			return c.freq[words[i]] > c.freq[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > n {
		words = words[:n]
	}
	return words
}

func progress(phase string) protocol.Line {
	d := request.NewData()
	d.AddString("phase", phase)
	return protocol.Line{Kind: protocol.KindProgress, Data: d}
}

func errLine(msg string) protocol.Line {
	return protocol.Line{Kind: protocol.KindResult, Status: protocol.StatusError, Error: msg}
}
