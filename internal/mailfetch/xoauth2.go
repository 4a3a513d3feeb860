package mailfetch

import "github.com/emersion/go-sasl"

// xoauth2Client is a minimal SASL XOAUTH2 client. go-sasl ships OAUTHBEARER
// but Outlook's IMAP servers speak the older XOAUTH2 mechanism, which sends
// the whole credential as the initial response.
type xoauth2Client struct {
	username string
	token    string
}

// NewXOAuth2 returns a sasl.Client for the XOAUTH2 mechanism.
func NewXOAuth2(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	ir := []byte("user=" + c.username + "\x01auth=Bearer " + c.token + "\x01\x01")
	return "XOAUTH2", ir, nil
}

// Next is only reached on an error challenge; responding with an empty line
// makes the server return the final NO.
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return nil, nil
}
