//go:build ignore

// Development stub standing in for a Whisper-compatible transcription
// endpoint. Accepts multipart uploads on /transcribe and returns canned
// text so the relay can be exercised end to end without a real provider.
//
// Usage: go run test_transcription_server.go
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

func main() {
	http.HandleFunc("/transcribe", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, "invalid multipart form", http.StatusBadRequest)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "missing file field", http.StatusBadRequest)
			return
		}
		file.Close()

		log.Printf("received %s (%d bytes), model=%s",
			header.Filename, header.Size, r.FormValue("model"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"text": fmt.Sprintf("stub transcript for %s at %s",
				header.Filename, time.Now().Format(time.RFC3339)),
		})
	})

	log.Println("stub transcription server listening on :9000")
	log.Fatal(http.ListenAndServe(":9000", nil))
}
