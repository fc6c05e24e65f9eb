package onion

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/samber/oops"
	"github.com/tidwall/gjson"
)

// RequestInfo is the JSON head of a v4 request.
type RequestInfo struct {
	Method   string            `json:"method"`
	Endpoint string            `json:"endpoint"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// ResponseInfo is the JSON head of a v4 reply.
type ResponseInfo struct {
	Code    int               `json:"code"`
	Headers map[string]string `json:"headers,omitempty"`
}

// EncodeV4Request produces l<n>:<info json><m>:<body>e. The body part is
// omitted when body is nil.
func EncodeV4Request(info RequestInfo, body []byte) ([]byte, error) {
	if info.Method == "" {
		info.Method = "GET"
	}
	headers := make(map[string]string, len(info.Headers)+1)
	for k, v := range info.Headers {
		if k != "User-Agent" {
			headers[k] = v
		}
	}
	if _, ok := headers["Content-Type"]; !ok && body != nil {
		headers["Content-Type"] = "application/json"
	}
	info.Headers = nil
	if len(headers) > 0 {
		info.Headers = headers
	}
	head, err := json.Marshal(info)
	if err != nil {
		return nil, oops.Wrapf(err, "failed to encode v4 request info")
	}
	return bencodeList(head, body), nil
}

// EncodeV4Response is the destination-side counterpart of DecodeV4Response.
func EncodeV4Response(info ResponseInfo, body []byte) ([]byte, error) {
	head, err := json.Marshal(info)
	if err != nil {
		return nil, oops.Wrapf(err, "failed to encode v4 response info")
	}
	return bencodeList(head, body), nil
}

// DecodeV4Response parses l<n>:<info json>[<m>:<body>]e.
func DecodeV4Response(data []byte) (ResponseInfo, []byte, error) {
	parts, err := bdecodeList(data)
	if err != nil {
		return ResponseInfo{}, nil, err
	}
	if len(parts) == 0 || len(parts) > 2 {
		return ResponseInfo{}, nil, oops.Wrapf(ErrMalformedResponse, "v4 reply has %d parts", len(parts))
	}
	if !gjson.ValidBytes(parts[0]) {
		return ResponseInfo{}, nil, oops.Wrapf(ErrMalformedResponse, "v4 reply info is not JSON")
	}
	var info ResponseInfo
	if err := json.Unmarshal(parts[0], &info); err != nil {
		return ResponseInfo{}, nil, oops.Wrapf(ErrMalformedResponse, "v4 reply info: %v", err)
	}
	if len(parts) == 1 {
		return info, nil, nil
	}
	return info, parts[1], nil
}

// DecodeV4Request is used by destinations to read a v4 request.
func DecodeV4Request(data []byte) (RequestInfo, []byte, error) {
	parts, err := bdecodeList(data)
	if err != nil {
		return RequestInfo{}, nil, err
	}
	if len(parts) == 0 || len(parts) > 2 {
		return RequestInfo{}, nil, oops.Wrapf(ErrMalformedResponse, "v4 request has %d parts", len(parts))
	}
	var info RequestInfo
	if err := json.Unmarshal(parts[0], &info); err != nil {
		return RequestInfo{}, nil, oops.Wrapf(ErrMalformedResponse, "v4 request info: %v", err)
	}
	if len(parts) == 1 {
		return info, nil, nil
	}
	return info, parts[1], nil
}

// EncodeV3Request builds the JSON payload v3 servers expect.
func EncodeV3Request(method, endpoint string, headers map[string]string, body []byte) ([]byte, error) {
	h := make(map[string]any, len(headers)+1)
	for k, v := range headers {
		if k == "User-Agent" {
			continue
		}
		switch v {
		case "true":
			h[k] = true
		case "false":
			h[k] = false
		default:
			h[k] = v
		}
	}
	bodyString := "null"
	if body != nil {
		h["Content-Type"] = "application/json"
		bodyString = string(body)
	}
	return json.Marshal(map[string]any{
		"body":     bodyString,
		"endpoint": endpoint,
		"method":   method,
		"headers":  h,
	})
}

func bencodeList(items ...[]byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte('l')
	for _, item := range items {
		if item == nil {
			continue
		}
		buf.WriteString(strconv.Itoa(len(item)))
		buf.WriteByte(':')
		buf.Write(item)
	}
	buf.WriteByte('e')
	return buf.Bytes()
}

// bdecodeList reads a bencoded list of byte strings.
func bdecodeList(data []byte) ([][]byte, error) {
	if len(data) < 2 || data[0] != 'l' || data[len(data)-1] != 'e' {
		return nil, oops.Wrapf(ErrMalformedResponse, "not a bencoded list")
	}
	var parts [][]byte
	rest := data[1 : len(data)-1]
	for len(rest) > 0 {
		colon := bytes.IndexByte(rest, ':')
		if colon <= 0 {
			return nil, oops.Wrapf(ErrMalformedResponse, "missing string length")
		}
		n, err := strconv.Atoi(string(rest[:colon]))
		if err != nil || n < 0 || n > len(rest)-colon-1 {
			return nil, oops.Wrapf(ErrMalformedResponse, "bad string length %q", rest[:colon])
		}
		start := colon + 1
		parts = append(parts, rest[start:start+n])
		rest = rest[start+n:]
	}
	return parts, nil
}
