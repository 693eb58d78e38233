// Package params builds the flat parameter string sent with a deployment run.
//
// Wire format: name=value pairs joined by ';'. Values are not escaped, so a
// value containing ';' or '=' cannot be decoded unambiguously by the remote
// side. The format is kept as is for compatibility with existing deployments.
package params

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// MaxSlots is the number of named parameter inputs a node exposes
const MaxSlots = 15

const (
	pairSeparator  = ";"
	valueSeparator = "="
)

// parameter errors
var (
	ErrTooManySlots     = fmt.Errorf("too many parameter slots (max %d)", MaxSlots)
	ErrUploaderRequired = errors.New("image parameter requires an uploader")
)

// Uploader stores an image in a content store and returns its public URL
type Uploader interface {
	Upload(ctx context.Context, filename string, r io.Reader) (string, error)
}

// Encoder encodes parameter slots, uploading image values on the way
type Encoder struct {
	uploader Uploader
}

// NewEncoder creates an encoder. uploader may be nil when no image slots are used.
func NewEncoder(uploader Uploader) *Encoder {
	return &Encoder{uploader: uploader}
}

// Encode joins the overflow pairs and the non-empty slots, overflow first,
// then slots in declared order. Slots with a blank name or empty value are
// skipped. Each image value costs one upload call.
func (e *Encoder) Encode(ctx context.Context, overflow string, slots []Slot) (string, error) {
	if len(slots) > MaxSlots {
		return "", ErrTooManySlots
	}

	pairs := splitOverflow(overflow)
	for i, slot := range slots {
		name := strings.TrimSpace(slot.Name)
		if name == "" || empty(slot.Value) {
			continue
		}

		var value string
		if img, ok := slot.Value.(Image); ok {
			url, err := e.upload(ctx, name, img)
			if err != nil {
				return "", fmt.Errorf("failed to upload image for slot %d (%s): %w", i+1, name, err)
			}
			value = url
		} else {
			value = format(slot.Value)
		}
		pairs = append(pairs, name+valueSeparator+value)
	}

	return strings.Join(pairs, pairSeparator), nil
}

func (e *Encoder) upload(ctx context.Context, slotName string, img Image) (string, error) {
	if e.uploader == nil {
		return "", ErrUploaderRequired
	}

	filename := img.Name
	var r io.Reader
	if len(img.Data) > 0 {
		r = bytes.NewReader(img.Data)
	} else {
		f, err := os.Open(img.Path)
		if err != nil {
			return "", fmt.Errorf("failed to open image: %w", err)
		}
		defer f.Close()
		r = f
		if filename == "" {
			filename = filepath.Base(img.Path)
		}
	}
	if filename == "" {
		filename = slotName + ".png"
	}

	url, err := e.uploader.Upload(ctx, filename, r)
	if err != nil {
		return "", err
	}
	return url, nil
}

// splitOverflow splits an already-encoded "a=1;b=2" string into trimmed,
// non-blank pairs
func splitOverflow(overflow string) []string {
	var pairs []string
	for _, p := range strings.Split(overflow, pairSeparator) {
		if p = strings.TrimSpace(p); p != "" {
			pairs = append(pairs, p)
		}
	}
	return pairs
}

// Pairs splits an encoded string into name/value string pairs in order.
// Pieces without '=' are kept with an empty value.
func Pairs(encoded string) [][2]string {
	var out [][2]string
	for _, p := range splitOverflow(encoded) {
		name, value, _ := strings.Cut(p, valueSeparator)
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		out = append(out, [2]string{name, value})
	}
	return out
}

// Inputs converts an encoded string into the map sent as the run's inputs
// object. Later duplicates win.
func Inputs(encoded string) map[string]string {
	out := make(map[string]string)
	for _, kv := range Pairs(encoded) {
		out[kv[0]] = kv[1]
	}
	return out
}

// Decode mirrors the remote parser: every value is type-inferred with Infer
func Decode(encoded string) map[string]any {
	out := make(map[string]any)
	for _, kv := range Pairs(encoded) {
		out[kv[0]] = Infer(kv[1])
	}
	return out
}
