/*******************************************************************************
*
* Copyright 2024 The Weft Authors
*
* Licensed under the Apache License, Version 2.0 (the "License");
* you may not use this file except in compliance with the License.
* You should have received a copy of the License along with this
* program. If not, you may obtain a copy of the License at
*
*     http://www.apache.org/licenses/LICENSE-2.0
*
* Unless required by applicable law or agreed to in writing, software
* distributed under the License is distributed on an "AS IS" BASIS,
* WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
* See the License for the specific language governing permissions and
* limitations under the License.
*
*******************************************************************************/

package api

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/weft-project/weft/internal/core"
)

// The wire protocol is XML-RPC with string parameters only; structured
// payloads travel as XML documents inside a string. This file is the whole
// codec.

// fault codes, fixed for wire compatibility
const (
	faultAuth          = 1
	faultConsistency   = 2
	faultRuntime       = 3
	faultUnknownMethod = 7
)

type methodCall struct {
	Name   string
	Params []string
}

type wireCall struct {
	XMLName    xml.Name    `xml:"methodCall"`
	MethodName string      `xml:"methodName"`
	Params     []wireValue `xml:"params>param>value"`
}

type wireValue struct {
	String *string `xml:"string"`
	Base64 *string `xml:"base64"`
	Raw    string  `xml:",chardata"`
}

func (v wireValue) decode() (string, error) {
	switch {
	case v.String != nil:
		return *v.String, nil
	case v.Base64 != nil:
		buf, err := base64.StdEncoding.DecodeString(strings.TrimSpace(*v.Base64))
		return string(buf), err
	default:
		// a bare <value> is a string per the XML-RPC spec
		return strings.TrimSpace(v.Raw), nil
	}
}

func parseMethodCall(r io.Reader) (methodCall, error) {
	var wire wireCall
	err := xml.NewDecoder(r).Decode(&wire)
	if err != nil {
		return methodCall{}, fmt.Errorf("malformed method call: %w", err)
	}
	if wire.MethodName == "" {
		return methodCall{}, errors.New("malformed method call: missing methodName")
	}
	call := methodCall{Name: strings.TrimSpace(wire.MethodName)}
	for _, value := range wire.Params {
		param, err := value.decode()
		if err != nil {
			return methodCall{}, fmt.Errorf("malformed method call parameter: %w", err)
		}
		call.Params = append(call.Params, param)
	}
	return call, nil
}

func writeMethodResponse(w http.ResponseWriter, value string) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString("<methodResponse><params><param><value><string>")
	escapeTo(&buf, value)
	buf.WriteString("</string></value></param></params></methodResponse>\n")
	w.Header().Set("Content-Type", "text/xml")
	w.Write(buf.Bytes()) //nolint:errcheck
}

func writeFault(w http.ResponseWriter, code int, message string) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	fmt.Fprintf(&buf, "<methodResponse><fault><value><struct><member><name>faultCode</name><value><int>%d</int></value></member><member><name>faultString</name><value><string>", code)
	escapeTo(&buf, message)
	buf.WriteString("</string></value></member></struct></value></fault></methodResponse>\n")
	w.Header().Set("Content-Type", "text/xml")
	w.Write(buf.Bytes()) //nolint:errcheck
}

func escapeTo(buf *bytes.Buffer, s string) {
	xml.EscapeText(buf, []byte(s)) //nolint:errcheck
}

// writeError maps the error taxonomy of the synthesis pipeline onto fault
// codes. Callers never see Go error strings with internal details beyond the
// structured message.
func writeError(w http.ResponseWriter, err error) {
	var (
		authErr        core.AuthError
		consistencyErr core.ConsistencyError
		probeErr       core.ProbeOrderError
	)
	switch {
	case errors.As(err, &authErr):
		writeFault(w, faultAuth, authErr.Error())
	case errors.As(err, &consistencyErr):
		writeFault(w, faultConsistency, consistencyErr.Error())
	case errors.As(err, &probeErr):
		writeFault(w, faultRuntime, probeErr.Error())
	default:
		writeFault(w, faultRuntime, err.Error())
	}
}
