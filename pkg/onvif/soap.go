/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package onvif speaks the subset of ONVIF used for camera discovery,
// stream lookup and pull-point event subscriptions.
package onvif

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // mandated by the WS-Security UsernameToken profile
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	nsSOAP   = "http://www.w3.org/2003/05/soap-envelope"
	nsWSA    = "http://www.w3.org/2005/08/addressing"
	nsWSSE   = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"
	nsWSU    = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd"
	nsDevice = "http://www.onvif.org/ver10/device/wsdl"
	nsMedia  = "http://www.onvif.org/ver10/media/wsdl"
	nsEvents = "http://www.onvif.org/ver10/events/wsdl"
	nsWSNT   = "http://docs.oasis-open.org/wsn/b-2"
	nsSchema = "http://www.onvif.org/ver10/schema"

	passwordDigestType = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordDigest"
	nonceEncodingType  = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary"

	defaultHTTPTimeout = 10 * time.Second
	maxResponseBytes   = 4 << 20
)

var (
	// ErrUnauthorized is returned for HTTP 401 or a NotAuthorized SOAP fault.
	ErrUnauthorized = errors.New("onvif: not authorized")
	// ErrFault wraps any other SOAP fault.
	ErrFault = errors.New("onvif: soap fault")
	// ErrHTTPStatus is returned for non-200 responses without a SOAP fault.
	ErrHTTPStatus = errors.New("onvif: unexpected http status")
)

// Client issues authenticated SOAP calls against one device.
type Client struct {
	Username string
	Password string
	HTTP     *http.Client

	now   func() time.Time
	nonce func() ([]byte, error)
}

// NewClient builds a client with a bounded HTTP timeout.
func NewClient(username, password string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	return &Client{
		Username: username,
		Password: password,
		HTTP:     httpClient,
		now:      time.Now,
		nonce:    randomNonce,
	}
}

func randomNonce() ([]byte, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}

	return b, nil
}

// PasswordDigest computes base64(sha1(nonce + created + password)).
func PasswordDigest(nonce []byte, created, password string) string {
	h := sha1.New() //nolint:gosec // see import
	h.Write(nonce)
	h.Write([]byte(created))
	h.Write([]byte(password))

	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func escape(s string) string {
	var b strings.Builder

	_ = xml.EscapeText(&b, []byte(s))

	return b.String()
}

func (c *Client) securityHeader() (string, error) {
	if c.Username == "" {
		return "", nil
	}

	nonce, err := c.nonce()
	if err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	created := c.now().UTC().Format("2006-01-02T15:04:05.000Z")

	return fmt.Sprintf(`<wsse:Security s:mustUnderstand="1" xmlns:wsse="%s" xmlns:wsu="%s">`+
		`<wsse:UsernameToken><wsse:Username>%s</wsse:Username>`+
		`<wsse:Password Type="%s">%s</wsse:Password>`+
		`<wsse:Nonce EncodingType="%s">%s</wsse:Nonce>`+
		`<wsu:Created>%s</wsu:Created></wsse:UsernameToken></wsse:Security>`,
		nsWSSE, nsWSU, escape(c.Username),
		passwordDigestType, PasswordDigest(nonce, created, c.Password),
		nonceEncodingType, base64.StdEncoding.EncodeToString(nonce),
		created), nil
}

func (c *Client) envelope(to, action, body string) ([]byte, error) {
	sec, err := c.securityHeader()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer

	buf.WriteString(xml.Header)
	fmt.Fprintf(&buf, `<s:Envelope xmlns:s="%s" xmlns:a="%s" xmlns:tds="%s" xmlns:trt="%s" xmlns:tev="%s" xmlns:wsnt="%s" xmlns:tt="%s">`,
		nsSOAP, nsWSA, nsDevice, nsMedia, nsEvents, nsWSNT, nsSchema)
	fmt.Fprintf(&buf, `<s:Header><a:Action>%s</a:Action><a:To>%s</a:To>%s</s:Header>`, escape(action), escape(to), sec)
	fmt.Fprintf(&buf, `<s:Body>%s</s:Body></s:Envelope>`, body)

	return buf.Bytes(), nil
}

// Fault is a SOAP 1.2 fault.
type Fault struct {
	Code    string `xml:"Code>Value"`
	Subcode string `xml:"Code>Subcode>Value"`
	Reason  string `xml:"Reason>Text"`
}

func (f *Fault) err() error {
	detail := strings.TrimSpace(f.Subcode + " " + f.Reason)
	if strings.Contains(strings.ToLower(detail), "notauthorized") || strings.Contains(strings.ToLower(detail), "not authorized") {
		return fmt.Errorf("%w: %s", ErrUnauthorized, detail)
	}

	return fmt.Errorf("%w: %s %s", ErrFault, strings.TrimSpace(f.Code), detail)
}

// Call posts a SOAP request to url and decodes the response envelope into
// out. out must address Body elements with paths such as "Body>XResponse".
func (c *Client) Call(ctx context.Context, url, action, body string, out interface{}) error {
	payload, err := c.envelope(url, action, body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", fmt.Sprintf(`application/soap+xml; charset=utf-8; action="%s"`, action))

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", action, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var fault struct {
		Fault *Fault `xml:"Body>Fault"`
	}

	if len(data) > 0 && xml.Unmarshal(data, &fault) == nil && fault.Fault != nil {
		return fault.Fault.err()
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: http %d", ErrUnauthorized, resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %d", ErrHTTPStatus, resp.StatusCode)
	}

	if out == nil {
		return nil
	}

	if err := xml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", action, err)
	}

	return nil
}

// FormatXSDDuration renders d as an xs:duration in whole seconds (PT3600S).
func FormatXSDDuration(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs < 1 {
		secs = 1
	}

	return fmt.Sprintf("PT%dS", secs)
}
