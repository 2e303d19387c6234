package orchestrator

import (
	"encoding/pem"
	"os"

	"otapatch/internal/otaerr"
)

func createOutput(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, otaerr.Wrap(otaerr.BadArguments, err, "creating output archive %s", path)
	}
	return f, nil
}

// pemEncodeCert wraps a DER certificate as META-INF/com/android/otacert
// expects it: PEM, not raw DER.
func pemEncodeCert(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}
