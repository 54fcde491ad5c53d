package transport

import "unicode/utf16"

// Segment limits per GSM 03.38: 7-bit messages fit 160 characters in a
// single PDU and 153 once a concatenation UDH is added; UCS-2 fits 70 and
// 67 code units respectively.
const (
	maxGSM7Single    = 160
	maxGSM7Multipart = 153
	maxUCS2Single    = 70
	maxUCS2Multipart = 67
)

// isGSM7 approximates the GSM 7-bit default alphabet as printable ASCII.
// Anything outside falls back to UCS-2.
func isGSM7(s string) bool {
	for _, r := range s {
		if r > 0x7F {
			return false
		}
	}
	return true
}

// segmentText splits text the way a modem would split it across PDUs.
func segmentText(text string) []string {
	if text == "" {
		return []string{""}
	}

	if isGSM7(text) {
		max := maxGSM7Single
		if len(text) > maxGSM7Single {
			max = maxGSM7Multipart
		}
		var parts []string
		for pos := 0; pos < len(text); pos += max {
			end := pos + max
			if end > len(text) {
				end = len(text)
			}
			parts = append(parts, text[pos:end])
		}
		return parts
	}

	units := utf16.Encode([]rune(text))
	max := maxUCS2Single
	if len(units) > maxUCS2Single {
		max = maxUCS2Multipart
	}
	var parts []string
	for pos := 0; pos < len(units); {
		end := pos + max
		if end > len(units) {
			end = len(units)
		}
		// Never split a surrogate pair across segments.
		if end < len(units) && isHighSurrogate(units[end-1]) {
			end--
		}
		parts = append(parts, string(utf16.Decode(units[pos:end])))
		pos = end
	}
	return parts
}

func isHighSurrogate(u uint16) bool {
	return u >= 0xD800 && u <= 0xDBFF
}
