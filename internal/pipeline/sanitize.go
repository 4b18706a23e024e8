package pipeline

import "strings"

var controlMarkers = []string{
	"<start_of_turn>",
	"<end_of_turn>",
	"<eos>",
	"<bos>",
	"<pad>",
}

// SanitizeOutput removes Gemma turn and control markers from generated
// text before it is returned to a caller or fed back as context.
func SanitizeOutput(text string) string {
	s := text
	for _, token := range controlMarkers {
		s = strings.ReplaceAll(s, token, "")
	}
	return strings.TrimSpace(s)
}
