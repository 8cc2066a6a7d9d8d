package mockserver

import "strings"

// Special ids of the byte-level vocabulary; byte b maps to b+byteOffset
const (
	TokenPad   int32 = 0
	TokenBOS   int32 = 1
	TokenEOS   int32 = 2
	byteOffset int32 = 3
)

var specialText = map[int32]string{
	TokenPad: "<pad>",
	TokenBOS: "<s>",
	TokenEOS: "</s>",
}

func byteToken(b byte) int32 {
	return int32(b) + byteOffset
}

// Tokenize maps every UTF-8 byte of text to one id
func Tokenize(text string, addSpecial bool) []int32 {
	ids := make([]int32, 0, len(text)+1)
	if addSpecial {
		ids = append(ids, TokenBOS)
	}
	for i := 0; i < len(text); i++ {
		ids = append(ids, byteToken(text[i]))
	}
	return ids
}

// Detokenize reverses Tokenize. Ids outside the vocabulary are dropped.
func Detokenize(ids []int32, skipSpecial bool) string {
	var b strings.Builder
	var raw []byte
	flush := func() {
		b.Write(raw)
		raw = raw[:0]
	}

	for _, id := range ids {
		if text, ok := specialText[id]; ok {
			if !skipSpecial {
				flush()
				b.WriteString(text)
			}
			continue
		}
		if id < byteOffset || id > byteOffset+255 {
			continue
		}
		raw = append(raw, byte(id-byteOffset))
	}
	flush()
	return b.String()
}
