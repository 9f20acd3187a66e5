package pairing

import (
	"encoding/base64"
	"fmt"
	"log"
	"net/url"

	"github.com/skip2/go-qrcode"
)

// qrSize is the PNG edge length in pixels.
const qrSize = 256

// ClaimLink appends the code to the control panel's claim URL, e.g.
// https://panel.example/claim?code=123456.
func ClaimLink(claimURL, code string) (string, error) {
	u, err := url.Parse(claimURL)
	if err != nil {
		return "", fmt.Errorf("parse claim url: %w", err)
	}
	q := u.Query()
	q.Set("code", code)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ClaimLinkQR returns a renderer producing a PNG data URL of the claim link
// for a code, suitable for Config.QRCode. An empty claimURL disables it.
func ClaimLinkQR(claimURL string) func(code string) string {
	if claimURL == "" {
		return nil
	}
	return func(code string) string {
		link, err := ClaimLink(claimURL, code)
		if err != nil {
			log.Printf("pairing: %v", err)
			return ""
		}
		png, err := qrcode.Encode(link, qrcode.Medium, qrSize)
		if err != nil {
			log.Printf("pairing: failed to render claim qr: %v", err)
			return ""
		}
		return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	}
}
