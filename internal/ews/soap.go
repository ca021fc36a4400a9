package ews

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
)

const (
	nsSOAP     = "http://schemas.xmlsoap.org/soap/envelope/"
	nsMessages = "http://schemas.microsoft.com/exchange/services/2006/messages"
	nsTypes    = "http://schemas.microsoft.com/exchange/services/2006/types"

	soapActionBase = nsMessages + "/"
)

type requestEnvelope struct {
	XMLName xml.Name      `xml:"soap:Envelope"`
	SOAP    string        `xml:"xmlns:soap,attr"`
	M       string        `xml:"xmlns:m,attr"`
	T       string        `xml:"xmlns:t,attr"`
	Header  requestHeader `xml:"soap:Header"`
	Body    requestBody   `xml:"soap:Body"`
}

type requestHeader struct {
	ServerVersion serverVersion `xml:"t:RequestServerVersion"`
}

type serverVersion struct {
	Version string `xml:"Version,attr"`
}

// requestBody holds one operation; its element name comes from the
// operation's XMLName.
type requestBody struct {
	Operation any
}

func marshalEnvelope(version string, op any) ([]byte, error) {
	env := requestEnvelope{
		SOAP:   nsSOAP,
		M:      nsMessages,
		T:      nsTypes,
		Header: requestHeader{ServerVersion: serverVersion{Version: version}},
		Body:   requestBody{Operation: op},
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(env); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// errNoBody is returned when a response has no SOAP Body element.
var errNoBody = errors.New("response has no SOAP body")

// unmarshalEnvelope decodes the first element inside the SOAP Body into out.
// A Fault element is returned separately instead.
func unmarshalEnvelope(data []byte, out any) (*Fault, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))

	inBody := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, errNoBody
		}
		if err != nil {
			return nil, err
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		if !inBody {
			if start.Name.Local == "Body" {
				inBody = true
			}
			continue
		}

		if start.Name.Local == "Fault" {
			var fault Fault
			if err := dec.DecodeElement(&fault, &start); err != nil {
				return nil, fmt.Errorf("failed to decode fault: %w", err)
			}
			return &fault, nil
		}
		return nil, dec.DecodeElement(out, &start)
	}
}
