package prompt

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/nikolalohinski/gonja"
)

const preamble = `You are an assistant inside the user's Markdown vault.
Follow the user's command precisely.
`

const webInstructions = `{% if web_search_enabled %}
If web_search_results are provided, use them as reference material. When citing sources, use standard Markdown links like [Source Title](URL) - do NOT use reference markers like [REF] tags.
{% endif %}
`

const baseTemplate = preamble + webInstructions + `
Never claim you accessed anything not included in the note content, selection, chat history, vault_summary, or web_search_results.
Output must be valid Markdown unless the command requires another format.`

const vaultChatTemplate = preamble + `
You have access to a vault_summary containing metadata about the user's notes including: path, title, tags, frontmatter, and modification time.

Use this information to help users find relevant notes, answer questions about their vault, and assist with vault organization.

When listing notes from the vault, ALWAYS use a single unified table with this exact format:
| Note | Modified | Focus |
|------|----------|-------|
| [[path/to/note.md]] | YYYY-MM-DD | Key topics from the note |

Rules:
- The Note column MUST use [[wikilink]] syntax so links are clickable
- The Modified column shows the file modification date formatted as YYYY-MM-DD
- The Focus column summarizes the main topics of the note from its title, tags and frontmatter
- Never split results into multiple tables - combine all matching notes into one table regardless of topic
- Search across title, tags and frontmatter fields to find relevant notes

Never claim you accessed anything not included in the vault_summary.
Output must be valid Markdown.`

const researchTemplate = preamble + `
If web_search_results are provided, use them as reference material. When citing sources, use standard Markdown links like [Source Title](URL) - do NOT use reference markers like [REF] tags.

Your task is to research the user's topic using web search results and create a well-structured note.

Create a comprehensive research note with:
1. **Title**: A clear, descriptive title for the note
2. **Overview**: A brief summary of the topic
3. **Key Findings**: Main points organized with headings and subheadings
4. **Sources**: List of references with links

Format the output as a complete Markdown note that can be saved directly to the vault.

Structure guidelines:
- Use H1 (#) for the main title
- Use H2 (##) for major sections
- Use H3 (###) for subsections
- Include bullet points for lists
- Add code blocks where relevant
- Cite sources inline using [Source Title](URL) format
- End with a Sources section listing all references

Focus purely on web research - do not include information from the user's existing vault notes.

Never claim you accessed anything not included in the web_search_results.
Output must be valid Markdown.`

const noteChatTemplate = preamble + webInstructions + `
You have access to the full content of the user's current note via note_context.full_text.

Use this context to:
- Answer questions about the note's content
- Explain concepts mentioned in the note
- Suggest improvements or additions
- Help with writing, editing, or organizing the note
- Discuss topics related to the note

When referencing specific parts of the note, quote them directly.
When suggesting changes, clearly indicate what should be modified.

Never claim you accessed anything not included in the note content, selection, chat history, or web_search_results.
Output must be valid Markdown.`

const selectionTemplate = preamble + webInstructions + `
You are working with a text selection from the user's note.

{% if command_id == "explain_selection" %}
Explain the selected text clearly and concisely. Break down complex concepts, define technical terms, and provide context where helpful.
{% elif command_id == "expand_selection" %}
Expand on the selected text by adding more detail, examples, or related information. Maintain the same tone and style as the original text.
{% elif command_id == "rewrite_selection_formal" %}
Rewrite the selected text in a formal, professional tone. Use precise language, avoid contractions, and maintain a serious tone appropriate for business or academic contexts.
{% elif command_id == "rewrite_selection_casual" %}
Rewrite the selected text in a casual, conversational tone. Use natural language, contractions where appropriate, and a friendly approachable style.
{% elif command_id == "rewrite_selection_active_voice" %}
Rewrite the selected text using active voice throughout. Convert passive constructions to active ones while preserving the original meaning.
{% elif command_id == "rewrite_selection_bullets" %}
Rewrite the selected text as bullet points. Extract key information and present it in a clear, scannable list format.
{% elif command_id == "caption_selection" %}
Generate a concise caption or title for the selected text. The caption should summarize the main point or theme.
{% elif command_id == "summarize_selection" %}
Summarize the selected text concisely. Capture the key points and main ideas in a shorter form while preserving essential information.
{% endif %}

Never claim you accessed anything not included in the note content, selection, chat history, or web_search_results.
Output must be valid Markdown.`

var commandTemplates = map[string]string{
	VaultChat:                   vaultChatTemplate,
	ResearchCreateNote:          researchTemplate,
	NoteChat:                    noteChatTemplate,
	ExplainSelection:            selectionTemplate,
	ExpandSelection:             selectionTemplate,
	RewriteSelectionFormal:      selectionTemplate,
	RewriteSelectionCasual:      selectionTemplate,
	RewriteSelectionActiveVoice: selectionTemplate,
	RewriteSelectionBullets:     selectionTemplate,
	CaptionSelection:            selectionTemplate,
	SummarizeSelection:          selectionTemplate,
}

type renderFunc func(vars map[string]any) (string, error)

// compiled holds parsed templates keyed by source text, so commands sharing
// a template share one parse.
var (
	compileOnce sync.Once
	compiled    map[string]renderFunc
	compileErr  error
)

func compile() {
	compiled = make(map[string]renderFunc)
	sources := []string{baseTemplate}
	for _, src := range commandTemplates {
		sources = append(sources, src)
	}
	for _, src := range sources {
		if _, ok := compiled[src]; ok {
			continue
		}
		tpl, err := gonja.FromString(src)
		if err != nil {
			compileErr = fmt.Errorf("prompt: parse template: %w", err)
			return
		}
		compiled[src] = func(vars map[string]any) (string, error) { return tpl.Execute(vars) }
	}
}

var blankRuns = regexp.MustCompile(`\n[ \t]*(\n[ \t]*)+\n`)

// SystemMessage renders the system prompt for commandID. Unknown commands
// and commands without their own template use the base prompt.
func SystemMessage(commandID string, webSearchEnabled bool) (string, error) {
	compileOnce.Do(compile)
	if compileErr != nil {
		return "", compileErr
	}

	src, ok := commandTemplates[commandID]
	if !ok {
		src = baseTemplate
	}
	out, err := compiled[src](map[string]any{
		"command_id":         commandID,
		"web_search_enabled": webSearchEnabled,
	})
	if err != nil {
		return "", fmt.Errorf("prompt: render %s: %w", commandID, err)
	}
	return strings.TrimSpace(blankRuns.ReplaceAllString(out, "\n\n")), nil
}
