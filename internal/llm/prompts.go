package llm

import (
	"fmt"
	"strings"
)

// Prompt templates are versioned string resources; bump the version when
// wording changes so logged failures can be tied to the prompt in use.
const (
	EnrichPromptVersion      = "enrich/v1"
	QueriesPromptVersion     = "queries/v1"
	ExpandPromptVersion      = "expand/v1"
	CompetitorsPromptVersion = "competitors/v1"
)

const enrichPromptTemplate = `You are labeling a passage from a technical knowledge base.
Return a single JSON object with exactly these keys:
  "topics": 1-5 short topic strings
  "keywords": 3-10 search keywords
  "summary": one or two sentences
  "concepts": 0-5 named concepts, tools, or standards
  "difficulty": one of "beginner", "intermediate", "advanced"
  "languages": programming languages mentioned, possibly empty
  "frameworks": frameworks or libraries mentioned, possibly empty

Return only JSON, no commentary.

Passage (source: %s):
---
%s
---`

// EnrichPrompt builds the metadata-extraction prompt for a chunk.
func EnrichPrompt(sourceURL, text string) string {
	return fmt.Sprintf(enrichPromptTemplate, sourceURL, text)
}

const queriesPromptTemplate = `Generate %d diverse web search queries for finding high-quality
documentation, tutorials, and discussions about the topic below. One query
per line, plain text, no numbering, no commentary.

Topic: %s`

// QueriesPrompt builds the search-query synthesis prompt for discovery.
func QueriesPrompt(topic string, n int) string {
	return fmt.Sprintf(queriesPromptTemplate, n, topic)
}

const expandPromptTemplate = `Rewrite the search query below as a single line of search terms:
keep the original words and append synonyms and closely related technical
terms. Plain text, one line, no commentary.

Query: %s`

// ExpandPrompt builds the query-expansion prompt used by retrieval.
func ExpandPrompt(query string) string {
	return fmt.Sprintf(expandPromptTemplate, query)
}

const competitorsPromptTemplate = `List up to %d technologies that compete with or are direct
alternatives to the topic below. Names only, one per line, plain text,
no numbering, no commentary.

Topic: %s`

// CompetitorsPrompt builds the competitor-detection prompt used when
// discovery widens a topic to alternative technologies.
func CompetitorsPrompt(topic string, n int) string {
	return fmt.Sprintf(competitorsPromptTemplate, n, topic)
}

// ParseQueryLines splits a queries response into cleaned lines, dropping
// numbering, bullets, and surrounding quotes the model tends to add.
func ParseQueryLines(response string, max int) []string {
	var queries []string
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*0123456789. )")
		line = strings.Trim(line, `"`)
		if line == "" {
			continue
		}
		queries = append(queries, line)
		if max > 0 && len(queries) >= max {
			break
		}
	}
	return queries
}
