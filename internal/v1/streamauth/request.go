package streamauth

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// publishRequest is the normalized form of everything an RTMP server might
// send: nginx-rtmp posts url-encoded callbacks, SRS posts JSON, OBS-style
// publishers smuggle the key after a `+` in the stream name, and some
// encoders only support basic auth or credentials inside tc_url.
type publishRequest struct {
	Channel   string
	Username  string
	Password  string
	StreamKey string
	ClientID  string
	RemoteIP  string
	TcURL     string
}

// rateKey buckets authorization attempts per source and credential identity,
// so one noisy encoder cannot starve a NAT neighbour using different creds.
func (r *publishRequest) rateKey() string {
	cred := r.Username
	if cred == "" {
		cred = r.StreamKey
	}
	if cred == "" {
		cred = r.ClientID
	}
	return r.RemoteIP + "|" + cred
}

// parsePublishRequest extracts the request from whichever shape arrived.
// Precedence: JSON body, then form/query fields, then an url-encoded `args`
// blob, then basic auth, then tc_url embedded credentials.
func parsePublishRequest(c *gin.Context) (*publishRequest, error) {
	req := &publishRequest{}

	if strings.HasPrefix(c.ContentType(), "application/json") {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, 64<<10))
		if err != nil {
			return nil, fmt.Errorf("reading body: %w", err)
		}
		var fields map[string]any
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, fmt.Errorf("malformed JSON body")
		}
		for key, value := range fields {
			if s, ok := value.(string); ok {
				req.apply(key, s)
			}
		}
	} else {
		if err := c.Request.ParseForm(); err != nil {
			return nil, fmt.Errorf("malformed form body")
		}
		for key, values := range c.Request.Form {
			if len(values) > 0 {
				req.apply(key, values[0])
			}
		}
	}

	// nginx-rtmp forwards the publisher's query string as one `args` blob.
	if args := firstNonEmpty(c.Request.Form.Get("args"), c.Query("args")); args != "" {
		if values, err := url.ParseQuery(args); err == nil {
			for key, vs := range values {
				if len(vs) > 0 {
					req.apply(key, vs[0])
				}
			}
		}
	}

	if req.Username == "" {
		if user, pass, ok := c.Request.BasicAuth(); ok {
			req.Username, req.Password = user, pass
		}
	}
	if req.Username == "" && req.TcURL != "" {
		if u, err := url.Parse(req.TcURL); err == nil && u.User != nil {
			req.Username = u.User.Username()
			if pass, ok := u.User.Password(); ok {
				req.Password = pass
			}
		}
	}

	req.normalizeChannel()
	return req, nil
}

// apply maps one wire field onto the request, tolerating the aliases the
// common RTMP servers use.
func (r *publishRequest) apply(key, value string) {
	if value == "" {
		return
	}
	switch strings.ToLower(key) {
	case "channel", "name", "stream":
		if r.Channel == "" {
			r.Channel = value
		}
	case "username", "user":
		if r.Username == "" {
			r.Username = value
		}
	case "password", "pass":
		if r.Password == "" {
			r.Password = value
		}
	case "stream_key", "streamkey", "key", "token":
		if r.StreamKey == "" {
			r.StreamKey = value
		}
	case "client_id", "clientid":
		if r.ClientID == "" {
			r.ClientID = value
		}
	case "remote_ip", "addr", "ip":
		if r.RemoteIP == "" {
			r.RemoteIP = value
		}
	case "tc_url", "tcurl":
		if r.TcURL == "" {
			r.TcURL = value
		}
	}
}

// normalizeChannel truncates the channel at the first `+` or `?`. Legacy
// publishers append the stream key after a `+` ("cam1+sk_...") and some
// encoders leave their query string glued to the name. A `+` that went
// through form decoding arrives as a space, so a space separates too.
func (r *publishRequest) normalizeChannel() {
	name := r.Channel
	if i := strings.IndexByte(name, '?'); i >= 0 {
		name = name[:i]
	}
	if i := strings.IndexAny(name, "+ "); i >= 0 {
		if key := strings.TrimSpace(name[i+1:]); key != "" && r.StreamKey == "" {
			r.StreamKey = key
		}
		name = name[:i]
	}
	r.Channel = strings.TrimSpace(name)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
