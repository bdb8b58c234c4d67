package mylife

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"io"
	"sort"

	gojson "github.com/goccy/go-json"
	"github.com/klauspost/compress/zip"

	"github.com/nocturne/connectors/pkg/errors"
	"github.com/nocturne/connectors/pkg/mapping"
)

// archiveKey and archiveIV are fixed by the vendor cloud for every account
var (
	archiveKey = []byte{
		0x3f, 0x8a, 0x1c, 0x52, 0xd4, 0x07, 0x9e, 0x6b,
		0x21, 0xc8, 0x5d, 0xf3, 0x90, 0x4e, 0x77, 0x1a,
		0xb6, 0x2d, 0x83, 0xe9, 0x0c, 0x65, 0xfa, 0x38,
		0x4b, 0xd1, 0x96, 0x0f, 0x7c, 0xa2, 0x58, 0xe4,
	}
	archiveIV = []byte{
		0x6d, 0x19, 0xc3, 0x84, 0x2f, 0xe0, 0x5a, 0xb7,
		0x13, 0x9c, 0x46, 0xfd, 0x71, 0x0e, 0xa8, 0x35,
	}
)

// maxMemberSize bounds one decompressed archive member
const maxMemberSize = 32 << 20

// Decoder turns an encrypted sync archive into raw events. It fails closed:
// any error discards the whole archive.
type Decoder struct {
	key []byte
	iv  []byte
}

// NewDecoder returns a decoder using the vendor key
func NewDecoder() *Decoder {
	return &Decoder{key: archiveKey, iv: archiveIV}
}

// Decode decrypts raw (AES-256-CBC, PKCS#7), unpacks the zip archive and
// parses every member as a JSON array of events. An archive without members
// yields no events.
func (d *Decoder) Decode(raw []byte) ([]mapping.RawEvent, error) {
	plain, err := d.decrypt(raw)
	if err != nil {
		return nil, err
	}

	zr, err := zip.NewReader(bytes.NewReader(plain), int64(len(plain)))
	if err != nil {
		return nil, errors.Malformed("sync data is not a zip archive", err)
	}

	files := append([]*zip.File(nil), zr.File...)
	sort.SliceStable(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	var events []mapping.RawEvent
	for _, f := range files {
		if f.FileInfo().IsDir() {
			continue
		}
		member, err := readMember(f)
		if err != nil {
			return nil, err
		}
		events = append(events, member...)
	}
	return events, nil
}

func readMember(f *zip.File) ([]mapping.RawEvent, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, errors.Malformed("corrupt archive member", err).WithDetail("member", f.Name)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxMemberSize+1))
	if err != nil {
		return nil, errors.Malformed("corrupt archive member", err).WithDetail("member", f.Name)
	}
	if len(data) > maxMemberSize {
		return nil, errors.Malformed("archive member too large", nil).WithDetail("member", f.Name)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var events []mapping.RawEvent
	if err := gojson.Unmarshal(data, &events); err != nil {
		return nil, errors.Malformed("archive member is not an event array", err).WithDetail("member", f.Name)
	}
	return events, nil
}

func (d *Decoder) decrypt(raw []byte) ([]byte, error) {
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, errors.Malformed("ciphertext is not a whole number of blocks", nil).
			WithDetail("length", len(raw))
	}
	block, err := aes.NewCipher(d.key)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "invalid archive key")
	}
	plain := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, d.iv).CryptBlocks(plain, raw)
	return unpad(plain)
}

// unpad strips PKCS#7 padding, checking every pad byte
func unpad(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, errors.Malformed("invalid padding", nil)
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, errors.Malformed("invalid padding", nil)
		}
	}
	return b[:len(b)-n], nil
}

// Encode builds an encrypted archive with one member per entry in members.
// The vendor never needs this; it backs fakes and fixtures.
func (d *Decoder) Encode(members map[string][]mapping.RawEvent) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	names := make([]string, 0, len(members))
	for name := range members {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			return nil, err
		}
		data, err := gojson.Marshal(members[name])
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return d.encrypt(buf.Bytes())
}

func (d *Decoder) encrypt(plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(d.key)
	if err != nil {
		return nil, err
	}
	n := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(append([]byte(nil), plain...), bytes.Repeat([]byte{byte(n)}, n)...)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, d.iv).CryptBlocks(out, padded)
	return out, nil
}
