// Package qrcode renders the patient status link shown after registration.
package qrcode

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	goqrcode "github.com/skip2/go-qrcode"
)

const defaultSize = 256

// PatientURL is the public page a patient opens to follow their token.
func PatientURL(baseURL string, patientID int64) string {
	return fmt.Sprintf("%s/patient/%d", strings.TrimRight(baseURL, "/"), patientID)
}

func PNG(content string) ([]byte, error) {
	if content == "" {
		return nil, errors.New("qr content is empty")
	}
	png, err := goqrcode.Encode(content, goqrcode.Medium, defaultSize)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return png, nil
}

// Base64PNG returns the PNG as standard base64 without a data URI prefix.
func Base64PNG(content string) (string, error) {
	png, err := PNG(content)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(png), nil
}
