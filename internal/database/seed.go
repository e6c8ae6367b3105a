package database

import (
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedProfile is one entry of the profiles seed file.
type SeedProfile struct {
	Name         string `yaml:"name"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Username     string `yaml:"username"`
	AuthType     string `yaml:"authType"`
	Password     string `yaml:"password"`
	PrivateKey   string `yaml:"privateKey"`
	Passphrase   string `yaml:"passphrase"`
	Timeout      int    `yaml:"timeout"`
	KeepAlive    *bool  `yaml:"keepAlive"`
	TerminalType string `yaml:"terminalType"`
	Cols         int    `yaml:"cols"`
	Rows         int    `yaml:"rows"`
	Group        string `yaml:"group"`
	Favorite     bool   `yaml:"favorite"`
}

type seedFile struct {
	Profiles []SeedProfile `yaml:"profiles"`
}

// SeedProfiles imports the profiles in the YAML file at path when the
// profile table is empty. Secrets are passed through encrypt before they are
// stored. It returns the number of profiles created.
func SeedProfiles(path string, encrypt func(string) (string, error)) (int, error) {
	if path == "" {
		return 0, nil
	}

	count, err := SessionCount()
	if err != nil {
		return 0, fmt.Errorf("count profiles: %w", err)
	}
	if count > 0 {
		return 0, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed file: %w", err)
	}
	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("parse seed file: %w", err)
	}

	created := 0
	for i, p := range file.Profiles {
		if p.Host == "" || p.Username == "" {
			return created, fmt.Errorf("profile %d: host and username are required", i)
		}
		s := SSHSession{
			Name:         p.Name,
			Host:         p.Host,
			Port:         p.Port,
			Username:     p.Username,
			AuthType:     p.AuthType,
			Timeout:      p.Timeout,
			KeepAlive:    p.KeepAlive == nil || *p.KeepAlive,
			TerminalType: p.TerminalType,
			Cols:         p.Cols,
			Rows:         p.Rows,
			Group:        p.Group,
			IsFavorite:   p.Favorite,
		}
		if s.Name == "" {
			s.Name = p.Username + "@" + p.Host
		}
		if s.AuthType == "" {
			s.AuthType = AuthTypePassword
			if p.PrivateKey != "" {
				s.AuthType = AuthTypeKey
			}
		}
		for _, f := range []struct {
			dst *string
			src string
		}{
			{&s.Password, p.Password},
			{&s.PrivateKey, p.PrivateKey},
			{&s.Passphrase, p.Passphrase},
		} {
			if f.src == "" {
				continue
			}
			enc, err := encrypt(f.src)
			if err != nil {
				return created, fmt.Errorf("profile %q: encrypt secret: %w", s.Name, err)
			}
			*f.dst = enc
		}
		if err := CreateSession(&s); err != nil {
			return created, fmt.Errorf("profile %q: %w", s.Name, err)
		}
		created++
	}

	log.Printf("[database] seeded %d profile(s) from %s", created, path)
	return created, nil
}
