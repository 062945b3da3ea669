// Reel is a media dubbing job server.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"net/url"
	"time"
)

// TOTP per RFC 6238: a pragmatic implementation of the subset
// authenticator apps actually use (SHA-1, 6 digits, 30-second step)
// without external dependencies.

const (
	totpDigits = 6
	totpStep   = 30 * time.Second
	// totpSkew is how many adjacent steps are accepted, covering clock
	// drift between server and phone.
	totpSkew = 1
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// GenerateTOTPSecret returns a new base32-encoded 160-bit shared secret.
func GenerateTOTPSecret() (string, error) {
	key := make([]byte, 20)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate TOTP secret: %w", err)
	}
	return b32.EncodeToString(key), nil
}

// TOTPProvisioningURI returns the otpauth:// URI encoded into the setup
// QR code.
func TOTPProvisioningURI(issuer, login, secret string) string {
	label := url.PathEscape(issuer + ":" + login)
	q := url.Values{}
	q.Set("secret", secret)
	q.Set("issuer", issuer)
	q.Set("digits", fmt.Sprintf("%d", totpDigits))
	q.Set("period", fmt.Sprintf("%d", int(totpStep.Seconds())))
	return "otpauth://totp/" + label + "?" + q.Encode()
}

// VerifyTOTP checks a 6-digit code against the shared secret, accepting
// one step of drift in either direction. Comparison is constant-time.
func VerifyTOTP(secret, code string, now time.Time) (bool, error) {
	if len(code) != totpDigits {
		return false, nil
	}
	key, err := b32.DecodeString(secret)
	if err != nil {
		return false, fmt.Errorf("failed to decode TOTP secret: %w", err)
	}

	counter := now.Unix() / int64(totpStep.Seconds())
	for delta := int64(-totpSkew); delta <= totpSkew; delta++ {
		want := hotp(key, uint64(counter+delta))
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 {
			return true, nil
		}
	}
	return false, nil
}

// hotp computes one RFC 4226 code with dynamic truncation.
func hotp(key []byte, counter uint64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	code := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff

	mod := uint32(1)
	for i := 0; i < totpDigits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", totpDigits, code%mod)
}
