package httpd

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Auth protects resources with Basic or Digest (RFC 2617) access authentication.
type Auth struct {
	Realm    string
	Digest   bool
	Password func(user string) (string, bool)
	// Protect selects the paths that need credentials. Nil protects every path.
	Protect func(path string) bool
}

func (a *Auth) protects(path string) bool {
	if a == nil || a.Password == nil {
		return false
	}
	return a.Protect == nil || a.Protect(path)
}

// authState is the per-connection digest state: the issued nonce and the highest
// nonce count seen for it.
type authState struct {
	nonce  string
	lastNC int64
}

func (a *Auth) challenge(st *authState, stale bool) string {
	if !a.Digest {
		return fmt.Sprintf("Basic realm=%q", a.Realm)
	}
	if st.nonce == "" || stale {
		st.nonce = ulid.Make().String()
		st.lastNC = 0
	}
	c := fmt.Sprintf("Digest realm=%q, qop=\"auth\", nonce=%q", a.Realm, st.nonce)
	if stale {
		c += ", stale=TRUE"
	}
	return c
}

// verify reports whether req carries valid credentials. stale is set when a digest
// response used an unknown nonce and the client should retry with a fresh one.
func (a *Auth) verify(st *authState, req *Request) (ok, stale bool) {
	header := req.Header.Get("Authorization")
	if header == "" {
		return false, false
	}
	scheme, rest, _ := strings.Cut(header, " ")
	if !a.Digest {
		if !strings.EqualFold(scheme, "Basic") {
			return false, false
		}
		return a.verifyBasic(strings.TrimSpace(rest)), false
	}
	if !strings.EqualFold(scheme, "Digest") {
		return false, false
	}
	return a.verifyDigest(st, req, parseDigestParams(rest))
}

func (a *Auth) verifyBasic(encoded string) bool {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return false
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok {
		return false
	}
	want, known := a.Password(user)
	if !known {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(pass), []byte(want)) == 1
}

// verifyDigest accepts only qop=auth responses, the one quality of protection the
// challenge offers, so every accepted response carries a nonce count. The signed
// uri must be the request target.
func (a *Auth) verifyDigest(st *authState, req *Request, p map[string]string) (bool, bool) {
	user, uri, response := p["username"], p["uri"], p["response"]
	if user == "" || uri != req.Target || response == "" || p["realm"] != a.Realm {
		return false, false
	}
	if p["qop"] != "auth" {
		return false, false
	}
	if st.nonce == "" || p["nonce"] != st.nonce {
		return false, true
	}
	pass, known := a.Password(user)
	if !known {
		return false, false
	}
	ha1 := md5Hex(user + ":" + a.Realm + ":" + pass)
	ha2 := md5Hex(req.Method + ":" + uri)
	nc, err := strconv.ParseInt(p["nc"], 16, 64)
	if err != nil || nc <= st.lastNC {
		return false, true
	}
	want := md5Hex(ha1 + ":" + st.nonce + ":" + p["nc"] + ":" + p["cnonce"] + ":auth:" + ha2)
	if subtle.ConstantTimeCompare([]byte(want), []byte(strings.ToLower(response))) != 1 {
		return false, false
	}
	st.lastNC = nc
	return true, false
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// parseDigestParams splits `k=v, k="quoted, v"` lists.
func parseDigestParams(s string) map[string]string {
	out := map[string]string{}
	for len(s) > 0 {
		s = strings.TrimLeft(s, " ,\t")
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		key := strings.ToLower(strings.TrimSpace(s[:eq]))
		s = s[eq+1:]
		var val string
		if strings.HasPrefix(s, `"`) {
			s = s[1:]
			var b strings.Builder
			for len(s) > 0 && s[0] != '"' {
				if s[0] == '\\' && len(s) > 1 {
					s = s[1:]
				}
				b.WriteByte(s[0])
				s = s[1:]
			}
			val = b.String()
			if len(s) > 0 {
				s = s[1:]
			}
		} else {
			end := strings.IndexByte(s, ',')
			if end < 0 {
				end = len(s)
			}
			val = strings.TrimSpace(s[:end])
			s = s[end:]
		}
		out[key] = val
	}
	return out
}
