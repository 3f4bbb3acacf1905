package entity

import (
	"context"
	"fmt"
	"strings"
)

// PromptKind selects what the text-extraction call isolates.
type PromptKind string

// Prompt kinds.
const (
	// PromptCompetitors isolates opposing teams or competitors from a title.
	PromptCompetitors PromptKind = "competitors"
	// PromptPerformers isolates performing people from a description.
	PromptPerformers PromptKind = "performers"
)

// Extractor isolates entity names from free text. Implementations make a
// single request with no retry.
type Extractor interface {
	Extract(ctx context.Context, kind PromptKind, text string) ([]string, error)
}

const competitorsPrompt = `Извлеки из названия спортивного события имена соперников (команды или участники).
Если есть противостояние вида "Команда А - Команда Б", верни только участников противостояния.
Ответь списком через запятую без пояснений. Если участников нет, верни пустой ответ.
Название: %s`

const performersPrompt = `Из этого текста вычлени только имена и фамилии людей или названия коллективов, которые выступают на мероприятии: артисты, композиторы, дирижеры, постановщики.
Ответь списком через запятую без пояснений. Если никого нет, оставь ответ пустым.
Текст: %s`

// Prompt renders the instruction for kind over text.
func Prompt(kind PromptKind, text string) (string, error) {
	switch kind {
	case PromptCompetitors:
		return fmt.Sprintf(competitorsPrompt, text), nil
	case PromptPerformers:
		return fmt.Sprintf(performersPrompt, text), nil
	default:
		return "", fmt.Errorf("unknown prompt kind %q", kind)
	}
}

// SplitNames parses a comma-separated extraction answer.
func SplitNames(answer string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(answer, func(r rune) bool { return r == ',' || r == '\n' || r == ';' }) {
		name := strings.Trim(strings.TrimSpace(part), `"'.*-•`)
		name = strings.TrimSpace(name)
		switch strings.ToLower(name) {
		case "", "ничего", "нет", "none", "n/a":
			continue
		}
		out = append(out, name)
	}
	return out
}
