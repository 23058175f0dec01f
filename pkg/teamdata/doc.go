// Package teamdata is the desired-state provider. It reads the team data
// set (people, teams, repositories, mailing lists, chat groups) from a
// remote static API, a local directory, or a single bundle file, and
// serves it as typed, validated records.
//
// Cross-service identity is resolved here: Identity maps each logical
// person to their GitHub login, email address and chat user ID.
package teamdata
