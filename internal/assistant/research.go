package assistant

import (
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/starford/sowilo/internal/apperr"
	"github.com/starford/sowilo/internal/parser"
)

// DefaultResearchFolder is where research notes go when none is configured.
const DefaultResearchFolder = "Research"

const maxResearchSuffix = 1000

var unsafeName = regexp.MustCompile(`[\\/:*?"<>|#^\[\]]+`)

// writeResearchNote saves content as a new note titled by its first H1.
// Existing notes are never overwritten; a "-N" suffix is added instead.
func (s *Service) writeResearchNote(content string) (string, error) {
	title, _ := parserTitle(content)
	name := noteName(title)
	if name == "" {
		name = "Research " + time.Now().Format("2006-01-02 1504")
	}

	folder := strings.Trim(s.opts.ResearchFolder, "/")
	if folder == "" {
		folder = DefaultResearchFolder
	}

	candidate := path.Join(folder, name+".md")
	for i := 1; s.opts.Store.Exists(candidate); i++ {
		if i > maxResearchSuffix {
			return "", fmt.Errorf("assistant: research note %q: %w", name, apperr.ErrAlreadyExists)
		}
		candidate = path.Join(folder, fmt.Sprintf("%s-%d.md", name, i))
	}

	if err := s.opts.Store.Write(candidate, []byte(content)); err != nil {
		return "", fmt.Errorf("assistant: research note: %w", err)
	}
	s.opts.Logger.Info("assistant: research note created", slog.String("path", candidate))
	return candidate, nil
}

func parserTitle(content string) (string, error) {
	res, err := parser.Parse([]byte(content))
	if err != nil {
		return "", err
	}
	return res.Title, nil
}

// noteName turns a title into a file name without extension.
func noteName(title string) string {
	name := unsafeName.ReplaceAllString(title, " ")
	name = strings.Join(strings.Fields(name), " ")
	return strings.Trim(name, ". ")
}
