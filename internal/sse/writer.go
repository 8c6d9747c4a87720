package sse

import (
	"encoding/json"
	"fmt"
	"io"
)

// DoneMessage is the terminal line every streaming response must end with.
const DoneMessage = "data: [DONE]\n\n"

// WriteData writes one `data:` frame to w.
func WriteData(w io.Writer, data []byte) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// WriteJSON marshals v and writes it as a `data:` frame.
func WriteJSON(w io.Writer, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return WriteData(w, payload)
}

// WriteDone writes the terminal [DONE] frame.
func WriteDone(w io.Writer) error {
	_, err := io.WriteString(w, DoneMessage)
	return err
}

// Encode renders an event back into its wire form.
func Encode(ev Event) string {
	out := ""
	if ev.Event != "" {
		out += "event: " + ev.Event + "\n"
	}
	out += "data: " + ev.Data + "\n\n"
	return out
}
