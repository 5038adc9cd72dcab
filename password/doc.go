// Package password hashes and verifies account passwords.
//
// # Output format
//
// New hashes are Argon2id in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// Accounts migrated from older stores may carry bcrypt hashes ($2a$, $2b$,
// $2y$). [Hasher.Verify] accepts both, and [Hasher.NeedsRehash] reports true
// for bcrypt and for Argon2id hashes produced with weaker parameters so the
// caller can upgrade on the next successful login.
//
// # What this package must NOT do
//
//   - Store or retrieve passwords.
//   - Import any other fedauth package.
//   - Log plaintext passwords.
package password
