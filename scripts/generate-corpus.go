//go:build ignore

// Generates a synthetic HTML corpus for exercising ingestion locally.
// Usage: go run scripts/generate-corpus.go -pages 200 -output testdata/corpus
//
// Serve the output with any static file server and queue the URLs:
//
//	python3 -m http.server -d testdata/corpus 8000
//	quarry add http://localhost:8000/page-0001.html
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
)

var (
	numPages  = flag.Int("pages", 200, "Number of pages to generate")
	outputDir = flag.String("output", "testdata/corpus", "Output directory")
	seed      = flag.Int64("seed", 42, "Random seed for reproducibility")
)

var topics = []string{
	"connection pooling", "rate limiting", "schema migrations",
	"consensus protocols", "cache invalidation", "load shedding",
	"write-ahead logging", "service discovery", "backpressure",
	"circuit breakers", "index compaction", "query planning",
}

var sentences = []string{
	"The %s layer must tolerate partial failure without losing writes.",
	"Benchmarks show %s dominating tail latency under mixed workloads.",
	"A common mistake is configuring %s without bounding retries.",
	"Production deployments pair %s with aggressive health checking.",
	"The tradeoff in %s is throughput against recovery time.",
	"Most implementations of %s degrade gracefully when the peer stalls.",
}

func main() {
	flag.Parse()
	rng := rand.New(rand.NewSource(*seed))

	if err := os.MkdirAll(*outputDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "creating output dir: %v\n", err)
		os.Exit(1)
	}

	for i := 0; i < *numPages; i++ {
		topic := topics[rng.Intn(len(topics))]
		var body strings.Builder
		for p := 0; p < 4+rng.Intn(4); p++ {
			body.WriteString("<p>")
			for s := 0; s < 8+rng.Intn(8); s++ {
				body.WriteString(fmt.Sprintf(sentences[rng.Intn(len(sentences))], topic))
				body.WriteString(" ")
			}
			body.WriteString("</p>\n")
		}

		// Sparse cross-links so crawling has something to follow.
		if i > 0 {
			body.WriteString(fmt.Sprintf("<p><a href=\"page-%04d.html\">previous</a></p>\n", i-1))
		}

		page := fmt.Sprintf(
			"<html><head><title>%s notes %d</title></head><body><main><h1>%s</h1>\n%s</main></body></html>\n",
			topic, i, topic, body.String())

		name := filepath.Join(*outputDir, fmt.Sprintf("page-%04d.html", i))
		if err := os.WriteFile(name, []byte(page), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "writing %s: %v\n", name, err)
			os.Exit(1)
		}
	}

	fmt.Printf("Generated %d pages in %s\n", *numPages, *outputDir)
}
