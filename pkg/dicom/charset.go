package dicom

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
)

// UnknownCharacterSetError reports a Specific Character Set value with no
// entry in the DICOM defined-terms table. It is fatal for the enclosing
// encode/decode; dropping text silently is worse than failing.
type UnknownCharacterSetError struct {
	Name string
}

func (e *UnknownCharacterSetError) Error() string {
	return fmt.Sprintf("dicom: unknown specific character set %q", e.Name)
}

// EncodingConversionError reports an invalid byte sequence or an
// unconvertible rune during charset conversion.
type EncodingConversionError struct {
	Charset string
	Err     error
}

func (e *EncodingConversionError) Error() string {
	return fmt.Sprintf("dicom: conversion failed for charset %q: %v", e.Charset, e.Err)
}

func (e *EncodingConversionError) Unwrap() error { return e.Err }

// charsetEntry maps one DICOM defined term to its x/text encoding and, for
// code-extension terms, the ISO 2022 escape sequence that designates it.
type charsetEntry struct {
	name   string
	enc    encoding.Encoding // nil means the default repertoire (ASCII)
	escape []byte            // nil for terms without code extensions
	// iso2022Decode marks multi-byte sets whose runs must be decoded by
	// re-attaching the designation escape (JIS X 0208/0212).
	iso2022Decode bool
}

// charsetTable enumerates the DICOM PS 3.3 C.12.1.1.2 defined terms this
// node supports. The set mirrors what pydicom/DCMTK handle in practice.
var charsetTable = map[string]charsetEntry{
	"":                {name: "", enc: nil},
	"ISO_IR 6":        {name: "ISO_IR 6", enc: nil},
	"ISO_IR 100":      {name: "ISO_IR 100", enc: charmap.ISO8859_1},
	"ISO_IR 101":      {name: "ISO_IR 101", enc: charmap.ISO8859_2},
	"ISO_IR 109":      {name: "ISO_IR 109", enc: charmap.ISO8859_3},
	"ISO_IR 110":      {name: "ISO_IR 110", enc: charmap.ISO8859_4},
	"ISO_IR 144":      {name: "ISO_IR 144", enc: charmap.ISO8859_5},
	"ISO_IR 127":      {name: "ISO_IR 127", enc: charmap.ISO8859_6},
	"ISO_IR 126":      {name: "ISO_IR 126", enc: charmap.ISO8859_7},
	"ISO_IR 138":      {name: "ISO_IR 138", enc: charmap.ISO8859_8},
	"ISO_IR 148":      {name: "ISO_IR 148", enc: charmap.ISO8859_9},
	"ISO_IR 166":      {name: "ISO_IR 166", enc: charmap.Windows874},
	"ISO_IR 13":       {name: "ISO_IR 13", enc: japanese.ShiftJIS},
	"ISO_IR 192":      {name: "ISO_IR 192", enc: encoding.Nop},
	"GB18030":         {name: "GB18030", enc: simplifiedchinese.GB18030},
	"GBK":             {name: "GBK", enc: simplifiedchinese.GBK},
	"ISO 2022 IR 6":   {name: "ISO 2022 IR 6", enc: nil, escape: []byte{0x1b, '(', 'B'}},
	"ISO 2022 IR 100": {name: "ISO 2022 IR 100", enc: charmap.ISO8859_1, escape: []byte{0x1b, '-', 'A'}},
	"ISO 2022 IR 101": {name: "ISO 2022 IR 101", enc: charmap.ISO8859_2, escape: []byte{0x1b, '-', 'B'}},
	"ISO 2022 IR 109": {name: "ISO 2022 IR 109", enc: charmap.ISO8859_3, escape: []byte{0x1b, '-', 'C'}},
	"ISO 2022 IR 110": {name: "ISO 2022 IR 110", enc: charmap.ISO8859_4, escape: []byte{0x1b, '-', 'D'}},
	"ISO 2022 IR 144": {name: "ISO 2022 IR 144", enc: charmap.ISO8859_5, escape: []byte{0x1b, '-', 'L'}},
	"ISO 2022 IR 127": {name: "ISO 2022 IR 127", enc: charmap.ISO8859_6, escape: []byte{0x1b, '-', 'G'}},
	"ISO 2022 IR 126": {name: "ISO 2022 IR 126", enc: charmap.ISO8859_7, escape: []byte{0x1b, '-', 'F'}},
	"ISO 2022 IR 138": {name: "ISO 2022 IR 138", enc: charmap.ISO8859_8, escape: []byte{0x1b, '-', 'H'}},
	"ISO 2022 IR 148": {name: "ISO 2022 IR 148", enc: charmap.ISO8859_9, escape: []byte{0x1b, '-', 'M'}},
	"ISO 2022 IR 166": {name: "ISO 2022 IR 166", enc: charmap.Windows874, escape: []byte{0x1b, '-', 'T'}},
	"ISO 2022 IR 13":  {name: "ISO 2022 IR 13", enc: japanese.ShiftJIS, escape: []byte{0x1b, ')', 'I'}},
	"ISO 2022 IR 87":  {name: "ISO 2022 IR 87", enc: japanese.ISO2022JP, escape: []byte{0x1b, '$', 'B'}, iso2022Decode: true},
	"ISO 2022 IR 159": {name: "ISO 2022 IR 159", enc: japanese.ISO2022JP, escape: []byte{0x1b, '$', '(', 'D'}, iso2022Decode: true},
	"ISO 2022 IR 149": {name: "ISO 2022 IR 149", enc: korean.EUCKR, escape: []byte{0x1b, '$', ')', 'C'}},
	// GB2312 runs arrive in G1 with the high bit set; GBK is a superset
	// and decodes them directly.
	"ISO 2022 IR 58": {name: "ISO 2022 IR 58", enc: simplifiedchinese.GBK, escape: []byte{0x1b, '$', ')', 'A'}},
}

// SpecificCharacterSet is the immutable, call-scoped character-set state
// for one dataset-level encode or decode. The zero value is the default
// repertoire. It is safe to copy and to share read-only.
type SpecificCharacterSet struct {
	entries []charsetEntry
}

// NewSpecificCharacterSet validates the ordered Specific Character Set
// values (0008,0005) and returns the converter state. An empty list means
// the default repertoire. Per PS 3.5, an empty first value with
// supplementary sets implies ISO 2022 IR 6 as the default.
func NewSpecificCharacterSet(values []string) (SpecificCharacterSet, error) {
	entries := make([]charsetEntry, 0, len(values))
	for i, raw := range values {
		name := strings.TrimSpace(raw)
		if name == "" && i == 0 && len(values) > 1 {
			name = "ISO 2022 IR 6"
		}
		entry, ok := charsetTable[name]
		if !ok {
			return SpecificCharacterSet{}, &UnknownCharacterSetError{Name: name}
		}
		entries = append(entries, entry)
	}
	return SpecificCharacterSet{entries: entries}, nil
}

// HasCodeExtensions reports whether more than one character set is
// declared, enabling ISO 2022 escape scanning.
func (s SpecificCharacterSet) HasCodeExtensions() bool {
	return len(s.entries) > 1
}

// componentDefault picks the default charset for a PN component group
// (0 alphabetic, 1 ideographic, 2 phonetic); lists shorter than the
// component index fall back to the first entry.
func (s SpecificCharacterSet) componentDefault(component int) charsetEntry {
	if len(s.entries) == 0 {
		return charsetTable["ISO_IR 6"]
	}
	if component > 0 && component < len(s.entries) {
		return s.entries[component]
	}
	return s.entries[0]
}

// isResetControl reports the delimiters at which ISO 2022 state returns to
// the default designation (PS 3.5 6.1.2.5.3): tab, LF, FF, CR.
func isResetControl(b byte) bool {
	return b == 0x09 || b == 0x0a || b == 0x0c || b == 0x0d
}

// DecodeText converts raw element bytes to UTF-8. component selects the
// PN component-group default; pass 0 for every other VR.
func (s SpecificCharacterSet) DecodeText(input []byte, component int) (string, error) {
	def := s.componentDefault(component)
	if !s.HasCodeExtensions() {
		return decodeRun(def, input)
	}

	var out strings.Builder
	active := def
	run := make([]byte, 0, len(input))

	flush := func() error {
		if len(run) == 0 {
			return nil
		}
		text, err := decodeRun(active, run)
		if err != nil {
			return err
		}
		out.WriteString(text)
		run = run[:0]
		return nil
	}

	for i := 0; i < len(input); {
		b := input[i]
		switch {
		case b == 0x1b:
			if err := flush(); err != nil {
				return "", err
			}
			entry, n := s.matchEscape(input[i:])
			if n == 0 {
				return "", &EncodingConversionError{
					Charset: active.name,
					Err:     fmt.Errorf("unrecognized ISO 2022 escape at offset %d", i),
				}
			}
			active = entry
			i += n
		case isResetControl(b):
			if err := flush(); err != nil {
				return "", err
			}
			active = def
			out.WriteByte(b)
			i++
		default:
			run = append(run, b)
			i++
		}
	}
	if err := flush(); err != nil {
		return "", err
	}
	return out.String(), nil
}

// matchEscape finds the configured charset whose designation escape
// prefixes input, returning the entry and the escape length.
func (s SpecificCharacterSet) matchEscape(input []byte) (charsetEntry, int) {
	for _, entry := range s.entries {
		if len(entry.escape) > 0 && bytes.HasPrefix(input, entry.escape) {
			return entry, len(entry.escape)
		}
	}
	// ESC ( B re-designates ASCII even when ISO 2022 IR 6 is not listed.
	ascii := charsetTable["ISO 2022 IR 6"]
	if bytes.HasPrefix(input, ascii.escape) {
		return ascii, len(ascii.escape)
	}
	return charsetEntry{}, 0
}

// decodeRun converts one escape-free run in a single charset.
func decodeRun(entry charsetEntry, run []byte) (string, error) {
	if len(run) == 0 {
		return "", nil
	}
	if entry.enc == nil {
		// Default repertoire; pass bytes through unchanged.
		return string(run), nil
	}
	src := run
	if entry.iso2022Decode {
		// JIS X 0208/0212 runs carry no designation of their own once the
		// scanner strips it; re-attach so the stateful decoder applies.
		src = append(append([]byte{}, entry.escape...), run...)
	}
	decoder := entry.enc.NewDecoder()
	out, err := decoder.Bytes(src)
	if err != nil {
		return "", &EncodingConversionError{Charset: entry.name, Err: err}
	}
	return string(out), nil
}

// EncodeText converts UTF-8 text back to the dataset's encoding, using the
// component-group default charset. Text that the charset cannot represent
// fails rather than being replaced.
func (s SpecificCharacterSet) EncodeText(text string, component int) ([]byte, error) {
	entry := s.componentDefault(component)
	if entry.enc == nil {
		for i := 0; i < len(text); i++ {
			if text[i] > 0x7f {
				return nil, &EncodingConversionError{
					Charset: entry.name,
					Err:     fmt.Errorf("byte 0x%02x outside the default repertoire", text[i]),
				}
			}
		}
		return []byte(text), nil
	}
	encoder := entry.enc.NewEncoder()
	out, err := encoder.Bytes([]byte(text))
	if err != nil {
		return nil, &EncodingConversionError{Charset: entry.name, Err: err}
	}
	return out, nil
}

// Convert transcodes input between two named DICOM character sets without
// ISO 2022 scanning.
func Convert(input []byte, from, to string) ([]byte, error) {
	fromEntry, ok := charsetTable[strings.TrimSpace(from)]
	if !ok {
		return nil, &UnknownCharacterSetError{Name: from}
	}
	toEntry, ok := charsetTable[strings.TrimSpace(to)]
	if !ok {
		return nil, &UnknownCharacterSetError{Name: to}
	}
	text, err := decodeRun(fromEntry, input)
	if err != nil {
		return nil, err
	}
	if toEntry.enc == nil {
		return []byte(text), nil
	}
	out, err := toEntry.enc.NewEncoder().Bytes([]byte(text))
	if err != nil {
		return nil, &EncodingConversionError{Charset: toEntry.name, Err: err}
	}
	return out, nil
}
