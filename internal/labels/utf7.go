package labels

import (
	"github.com/cention-sany/utf7"
	"github.com/rotisserie/eris"
)

// DecodeMailboxUTF7 decodes a modified UTF-7 string (RFC 3501 mailbox name
// encoding, also used by Gmail for human-readable label names) into UTF-8.
func DecodeMailboxUTF7(s string) (string, error) {
	decoded, err := utf7.Encoding.NewDecoder().String(s)
	if err != nil {
		return "", eris.Wrapf(err, "decode UTF-7 label %q", s)
	}
	return decoded, nil
}

// EncodeMailboxUTF7 encodes a UTF-8 string into modified UTF-7, the inverse
// of DecodeMailboxUTF7.
func EncodeMailboxUTF7(s string) (string, error) {
	encoded, err := utf7.Encoding.NewEncoder().String(s)
	if err != nil {
		return "", eris.Wrapf(err, "encode UTF-7 label %q", s)
	}
	return encoded, nil
}
