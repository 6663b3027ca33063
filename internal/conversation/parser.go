package conversation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Models are asked for bare output but routinely wrap it in a fenced code
// block anyway, with or without a language tag. The extractor tolerates both.
var fencedBlockRe = regexp.MustCompile("(?m)^```(?:\\w+)?\\s*\\n([\\s\\S]*?)\\n?```$")

// ExtractFencedBlock returns the trimmed interior of the first fenced code
// block in text, or the trimmed original when no fence is present.
func ExtractFencedBlock(text string) string {
	if m := fencedBlockRe.FindStringSubmatch(text); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(text)
}

// issueListSchema pins the shape the task-generation prompt asks for: a JSON
// array of objects with string title and description.
const issueListSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["title", "description"],
		"properties": {
			"title": {"type": "string"},
			"description": {"type": "string"}
		}
	}
}`

// ParseIssueList recovers the issue candidates from a model reply. Any
// failure, unparseable JSON or a wrong shape alike, is reported as a
// MalformedOutputError carrying the raw reply for diagnosis.
func ParseIssueList(text string) ([]GeneratedIssue, error) {
	clean := ExtractFencedBlock(text)

	schemaLoader := gojsonschema.NewStringLoader(issueListSchema)
	documentLoader := gojsonschema.NewStringLoader(clean)
	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return nil, &MalformedOutputError{Raw: text, Err: err}
	}
	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, &MalformedOutputError{
			Raw: text,
			Err: fmt.Errorf("issue list shape invalid: %s", strings.Join(msgs, "; ")),
		}
	}

	var issues []GeneratedIssue
	if err := json.Unmarshal([]byte(clean), &issues); err != nil {
		return nil, &MalformedOutputError{Raw: text, Err: err}
	}
	return issues, nil
}
