/*
Package security provides the cryptographic primitives shared by the
scheduler: at-rest encryption for the CA's root key and a Certificate
Authority for mutual TLS between leader, subleader, and worker processes.

# Cluster encryption key

Every process derives a 32-byte AES key from the cluster ID:

	clusterKey = SHA-256(clusterID)

SetClusterEncryptionKey must be called once during startup, before any
Encrypt/Decrypt call. The same cluster ID always derives the same key, so
a restarted process can decrypt whatever a previous instance encrypted
without a separate secret-distribution step.

# Certificate Authority

NewCertAuthority(store) builds a CertAuthority rooted on a CAStore - the
minimal persistence seam (SaveCA/GetCA) that pkg/storage's Store satisfies.
Initialize generates a self-signed root (RSA 4096, 10-year validity).
SaveToStore/LoadFromStore persist it with the private key encrypted via
Encrypt/Decrypt.

IssueWorkerCertificate issues a short-lived (90-day, RSA 2048) certificate
for a leader/subleader/worker process, with ServerAuth+ClientAuth extended
key usage for mTLS on both ends of the RPC connection. IssueClientCertificate
issues an operator CLI certificate with ClientAuth only. Each issued
certificate is recorded in an in-memory cache by ID (read back with
GetCachedCert); issuing again for the same ID generates a new key and
replaces the cached entry.

CertNeedsRotation flags certificates with less than 30 days of validity
remaining; callers are expected to re-issue and re-save on that signal.

# Usage

	key := security.DeriveKeyFromClusterID(clusterID)
	if err := security.SetClusterEncryptionKey(key); err != nil {
		return err
	}

	ca := security.NewCertAuthority(store)
	if err := ca.Initialize(); err != nil {
		return err
	}
	if err := ca.SaveToStore(); err != nil {
		return err
	}

	cert, err := ca.IssueWorkerCertificate(workerID, "worker", dnsNames, ips)
	if err != nil {
		return err
	}
*/
package security
