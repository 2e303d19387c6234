package keys

import (
	"bytes"
	"fmt"
	"os"

	"golang.org/x/term"

	"otapatch/internal/otaerr"
)

// ResolvePassphrase returns the passphrase protecting an encrypted key.
// fileEnvVar names an environment variable (AVB_PASSPHRASE_FILE or
// OTA_PASSPHRASE_FILE) pointing at a sidecar file holding the passphrase;
// when unset, and stdin is a TTY, the user is prompted interactively under
// label. A non-interactive run with no sidecar file is an error rather than
// a silent empty passphrase.
func ResolvePassphrase(fileEnvVar, label string) ([]byte, error) {
	if path := os.Getenv(fileEnvVar); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, otaerr.Wrap(otaerr.KeyLoad, err, "reading %s", fileEnvVar)
		}
		return bytes.TrimRight(data, "\r\n"), nil
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, otaerr.New(otaerr.KeyLoad, "%s is unset and stdin is not a terminal", fileEnvVar)
	}

	fmt.Fprintf(os.Stderr, "passphrase for %s: ", label)
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, otaerr.Wrap(otaerr.KeyLoad, err, "reading passphrase from terminal")
	}
	return pass, nil
}
