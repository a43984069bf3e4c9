package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"larkstream/internal/infra/config"
)

// runEncrypt prints the enc: form of a secret. The passphrase comes from
// LARKSTREAM_CONFIG_KEY; the secret from the first argument or, failing
// that, the first line of stdin.
func runEncrypt(args []string, stdin io.Reader, stdout io.Writer, getenv func(string) string) error {
	passphrase := getenv(config.EnvPrefix + "CONFIG_KEY")
	if passphrase == "" {
		return errors.New(config.EnvPrefix + "CONFIG_KEY must be set")
	}

	var secret string
	if len(args) > 0 {
		secret = args[0]
	} else {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read secret: %w", err)
		}
		secret = strings.TrimRight(line, "\r\n")
	}
	if secret == "" {
		return errors.New("empty secret")
	}

	enc, err := config.EncryptValue(secret, passphrase)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "enc:%s\n", enc)
	return err
}
