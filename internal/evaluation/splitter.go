package evaluation

import "strings"

// splitGeneratedQuestions splits generated exam text into individual
// questions. Questions arrive separated by blank lines, but display-math
// blocks (\[ ... \]) may span several lines and belong to the question that
// precedes them, so blank-line splitting alone would shred them.
func splitGeneratedQuestions(text string) []string {
	var (
		questions []string
		buf       strings.Builder
		inMath    bool
	)
	flush := func() {
		if q := strings.TrimSpace(buf.String()); q != "" {
			questions = append(questions, q)
		}
		buf.Reset()
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			if !inMath {
				flush()
			}
		case strings.HasPrefix(line, `\[`):
			inMath = true
			if buf.Len() > 0 {
				buf.WriteString("\n")
			}
			buf.WriteString(line)
		case strings.HasPrefix(line, `\]`):
			inMath = false
			buf.WriteString("\n" + line)
		default:
			if buf.Len() > 0 {
				buf.WriteString("\n")
			}
			buf.WriteString(line)
		}
	}
	flush()
	return questions
}
