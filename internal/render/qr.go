package render

import (
	"encoding/base64"
	"errors"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// ErrRendererUnavailable is returned when rendering is switched off.
var ErrRendererUnavailable = errors.New("code renderer unavailable")

// UnavailablePrefix marks responses for tokens stored without a rendering.
const UnavailablePrefix = "QR_NOT_AVAILABLE_TOKEN:"

// CodeRenderer turns a token value into a displayable artifact.
type CodeRenderer interface {
	Render(value string) (string, error)
	Available() bool
}

// QRRenderer encodes values as base64 PNG QR codes.
type QRRenderer struct {
	size  int
	level qrcode.RecoveryLevel
}

// NewQRRenderer builds a renderer producing square images of the given pixel size.
func NewQRRenderer(size int) *QRRenderer {
	if size <= 0 {
		size = 256
	}
	return &QRRenderer{size: size, level: qrcode.Medium}
}

// Render encodes value as a PNG and returns it base64 encoded.
func (r *QRRenderer) Render(value string) (string, error) {
	png, err := qrcode.Encode(value, r.level, r.size)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	return base64.StdEncoding.EncodeToString(png), nil
}

// Available reports that rendering is enabled.
func (r *QRRenderer) Available() bool { return true }

type disabledRenderer struct{}

// Disabled returns a renderer that always reports itself unavailable.
func Disabled() CodeRenderer { return disabledRenderer{} }

func (disabledRenderer) Render(string) (string, error) { return "", ErrRendererUnavailable }

func (disabledRenderer) Available() bool { return false }

// DisplayCode returns the stored rendering or the placeholder for value.
func DisplayCode(rendered *string, value string) string {
	if rendered != nil && *rendered != "" {
		return *rendered
	}
	return UnavailablePrefix + value
}
