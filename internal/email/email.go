// Package email maps client IDs to mail addresses and extracts reply text from messages.
package email

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
)

// Address returns the mailbox of a client. IDs that already are addresses
// are returned as is.
func Address(clientID, domain string) string {
	if strings.Contains(clientID, "@") || domain == "" {
		return clientID
	}
	return clientID + "@" + domain
}

// ClientID is the inverse of Address: the local part when the address belongs
// to domain, the full lowercased address otherwise.
func ClientID(address, domain string) string {
	local, host := split(address)
	if host == "" {
		return ""
	}
	if domain != "" && strings.EqualFold(host, domain) {
		return local
	}
	return strings.ToLower(local + "@" + host)
}

func split(address string) (local, domain string) {
	if addr, err := mail.ParseAddress(address); err == nil {
		address = addr.Address
	}
	address = strings.Trim(strings.TrimSpace(address), "<>")
	at := strings.LastIndex(address, "@")
	if at <= 0 || at == len(address)-1 {
		return "", ""
	}
	return address[:at], strings.ToLower(address[at+1:])
}

// Reply is the part of an inbound message the engine cares about
type Reply struct {
	MessageID string
	From      string
	Subject   string
	Text      string
}

// ParseReply reads an RFC 5322 message and returns its plain text with
// quoted history removed.
func ParseReply(r io.Reader) (*Reply, error) {
	msg, err := mail.ReadMessage(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	text, err := plainText(msg.Header.Get("Content-Type"), msg.Header.Get("Content-Transfer-Encoding"), msg.Body)
	if err != nil {
		return nil, err
	}

	dec := new(mime.WordDecoder)
	subject, err := dec.DecodeHeader(msg.Header.Get("Subject"))
	if err != nil {
		subject = msg.Header.Get("Subject")
	}

	return &Reply{
		MessageID: strings.Trim(strings.TrimSpace(msg.Header.Get("Message-ID")), "<>"),
		From:      msg.Header.Get("From"),
		Subject:   subject,
		Text:      StripQuoted(text),
	}, nil
}

// plainText returns the first text/plain body, descending into multiparts
func plainText(contentType, encoding string, body io.Reader) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(body, params["boundary"])
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return "", nil
			}
			if err != nil {
				return "", fmt.Errorf("failed to read multipart body: %w", err)
			}
			text, err := plainText(part.Header.Get("Content-Type"), part.Header.Get("Content-Transfer-Encoding"), part)
			if err != nil {
				return "", err
			}
			if text != "" {
				return text, nil
			}
		}
	}

	if mediaType != "text/plain" {
		return "", nil
	}

	data, err := io.ReadAll(decode(encoding, body))
	if err != nil {
		return "", fmt.Errorf("failed to decode body: %w", err)
	}
	return strings.TrimSpace(strings.ReplaceAll(string(data), "\r\n", "\n")), nil
}

func decode(encoding string, r io.Reader) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, r)
	}
	return r
}

// StripQuoted drops quoted lines and everything after an "On ... wrote:" or
// "-----Original Message-----" marker.
func StripQuoted(text string) string {
	var out []string
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, ">") {
			continue
		}
		if strings.HasPrefix(trimmed, "-----Original Message-----") {
			break
		}
		if strings.HasPrefix(trimmed, "On ") && strings.HasSuffix(trimmed, "wrote:") {
			break
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
