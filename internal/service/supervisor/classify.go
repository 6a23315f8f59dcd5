package supervisor

import (
	"regexp"
	"strings"

	"github.com/splax/bothost/internal/domain"
)

// Detection is a pairing or QR signal recognised in program output.
type Detection struct {
	Kind string
	Data string
}

var (
	pairingPattern   = regexp.MustCompile(`(?i)pairing\s*code\s*[:=\-]?\s*([A-Z0-9]{4}-?[A-Z0-9]{4})`)
	qrPayloadPattern = regexp.MustCompile(`\b\d@[A-Za-z0-9+/=]{8,},[A-Za-z0-9+/=,]{20,}`)
	qrPromptPattern  = regexp.MustCompile(`(?i)(scan (the |this )?qr|qr code|qr received)`)
)

// minQRRows is how many block-character rows a chunk needs before it is
// treated as a rendered QR code.
const minQRRows = 8

// Classify inspects one output chunk. It reports the most specific signal it
// finds, preferring pairing codes and raw QR payloads over rendered codes and
// prompts.
func Classify(chunk string) (Detection, bool) {
	if m := pairingPattern.FindStringSubmatch(chunk); m != nil {
		return Detection{Kind: domain.SignalPairing, Data: strings.ToUpper(m[1])}, true
	}
	if m := qrPayloadPattern.FindString(chunk); m != "" {
		return Detection{Kind: domain.SignalQR, Data: m}, true
	}
	if art := renderedQR(chunk); art != "" {
		return Detection{Kind: domain.SignalQR, Data: art}, true
	}
	if m := qrPromptPattern.FindString(chunk); m != "" {
		return Detection{Kind: domain.SignalQR, Data: strings.TrimSpace(firstLineContaining(chunk, m))}, true
	}
	return Detection{}, false
}

func renderedQR(chunk string) string {
	var rows []string
	for _, line := range strings.Split(chunk, "\n") {
		trimmed := strings.TrimRight(line, "\r")
		if isBlockRow(trimmed) {
			rows = append(rows, trimmed)
		}
	}
	if len(rows) < minQRRows {
		return ""
	}
	return strings.Join(rows, "\n")
}

func isBlockRow(line string) bool {
	blocks, other := 0, 0
	for _, r := range line {
		switch r {
		case '█', '▀', '▄', '▐', '▌':
			blocks++
		case ' ':
		default:
			other++
		}
	}
	return blocks >= 10 && other == 0
}

func firstLineContaining(chunk, needle string) string {
	for _, line := range strings.Split(chunk, "\n") {
		if strings.Contains(line, needle) {
			return line
		}
	}
	return needle
}
