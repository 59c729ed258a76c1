// Package intent classifies free-text user messages.
//
// Three heuristics live here, all keyword based and case-insensitive with
// plain substring containment:
//
//   - Classify decides between generating a new email and refining the
//     current one
//   - DetectPurpose maps a message to one of the service's purpose categories
//   - DetectLength maps a message to short, medium or long
//
// Rule order in DetectPurpose and DetectLength is part of the contract:
// overlapping keywords always resolve to the earlier rule.
package intent
