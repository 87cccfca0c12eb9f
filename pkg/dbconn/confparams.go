package dbconn

import (
	"github.com/go-ini/ini"
)

// ConfParams holds the connection parameters loaded from the [client]
// section of a MySQL option file (my.cnf style).
type ConfParams struct {
	Host, Database, User, TLSMode, TLSCA string
	Password                             *string
	Port                                 int
}

// LoadConfParams attempts to load ConfParams from a path to an ini file.
// An empty path returns empty params.
func LoadConfParams(confFilePath string) (*ConfParams, error) {
	params := &ConfParams{}
	if confFilePath == "" {
		return params, nil
	}
	creds, err := ini.Load(confFilePath)
	if err != nil {
		return nil, err
	}
	if creds.HasSection("client") {
		clientSection := creds.Section("client")
		params.Host = clientSection.Key("host").String()
		params.Database = clientSection.Key("database").String()
		params.User = clientSection.Key("user").String()
		params.TLSMode = clientSection.Key("tls-mode").String()
		params.TLSCA = clientSection.Key("tls-ca").String()
		params.Port = clientSection.Key("port").MustInt()
		if clientSection.HasKey("password") {
			pw := clientSection.Key("password").String()
			params.Password = &pw
		}
	}
	return params, nil
}

// Apply fills the unset fields of c from the option file.
// Values given explicitly (flags or environment) take precedence.
func (p *ConfParams) Apply(c ConnectionConfig) ConnectionConfig {
	if p == nil {
		return c
	}
	if c.Host == "" {
		c.Host = p.Host
	}
	if c.Port == 0 {
		c.Port = p.Port
	}
	if c.User == "" {
		c.User = p.User
	}
	if c.Password == "" && p.Password != nil {
		c.Password = *p.Password
	}
	if c.Database == "" {
		c.Database = p.Database
	}
	if c.TLSMode == "" {
		c.TLSMode = p.TLSMode
	}
	if c.TLSCertificatePath == "" {
		c.TLSCertificatePath = p.TLSCA
	}
	return c
}
