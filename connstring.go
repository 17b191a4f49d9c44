package main

import (
	"fmt"
	"strings"
)

// adoConnString holds a semicolon-separated key=value connection string such as
// "Server=db;Port=5432;Database=app;User Id=app;Password=secret".
type adoConnString struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
	Extra    map[string]string
}

var adoKeyAliases = map[string]string{
	"server":          "host",
	"host":            "host",
	"data source":     "host",
	"port":            "port",
	"database":        "database",
	"initial catalog": "database",
	"user id":         "user",
	"userid":          "user",
	"uid":             "user",
	"user":            "user",
	"username":        "user",
	"password":        "password",
	"pwd":             "password",
}

// looksLikeADO reports whether s is a key=value;... connection string rather
// than a driver DSN or URL.
func looksLikeADO(s string) bool {
	if strings.Contains(s, "://") || strings.Contains(s, "@") {
		return false
	}
	return strings.Contains(s, ";") && strings.Contains(s, "=")
}

func parseADOConnString(s string) (*adoConnString, error) {
	c := &adoConnString{Extra: make(map[string]string)}
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("connection string: %q is not key=value", part)
		}
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		switch adoKeyAliases[k] {
		case "host":
			c.Host = v
		case "port":
			c.Port = v
		case "database":
			c.Database = v
		case "user":
			c.User = v
		case "password":
			c.Password = v
		default:
			c.Extra[k] = v
		}
	}
	if c.Host == "" {
		return nil, fmt.Errorf("connection string: server is required")
	}
	return c, nil
}

// pgKeywordValue renders c in libpq keyword/value form.
func (c *adoConnString) pgKeywordValue() string {
	var parts []string
	add := func(k, v string) {
		if v == "" {
			return
		}
		v = strings.ReplaceAll(v, `\`, `\\`)
		v = strings.ReplaceAll(v, `'`, `\'`)
		parts = append(parts, fmt.Sprintf("%s='%s'", k, v))
	}
	add("host", c.Host)
	add("port", c.Port)
	add("dbname", c.Database)
	add("user", c.User)
	add("password", c.Password)
	if v, ok := c.Extra["sslmode"]; ok {
		add("sslmode", strings.ToLower(v))
	} else if v, ok := c.Extra["ssl mode"]; ok {
		add("sslmode", strings.ToLower(v))
	}
	return strings.Join(parts, " ")
}
