// Package email holds the generated email artifact and the heuristics that
// extract it from raw model output.
//
// # Parsing
//
// Parse never fails. Rules are tried in order and the first match wins:
//
//  1. "Subject: <text>" on the first line followed by a blank line
//  2. a first line starting with "subject:" (any case), no blank line needed
//  3. anything else: empty subject, the raw text becomes the body
//
// # Usage
//
//	e := email.Parse("Subject: Hello\n\nBody text")
//	fmt.Println(e.Subject) // Hello
//
// Format is the inverse used when replaying assistant turns as history.
package email
