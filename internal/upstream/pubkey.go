package upstream

// DefaultPublicKey is the backend's long-lived encryption key. The
// per-request AES key is PGP-encrypted against it before transport.
// Override with upstream_public_key in the config when the backend
// rotates keys.
const DefaultPublicKey = `-----BEGIN PGP PUBLIC KEY BLOCK-----

mDMEaowgFhYJKwYBBAHaRw8BAQdAIGVcQSbSQX3l8kgtBTZqOrUyUun6gkDQ54Xo
Nopjkii0HUx1bW8gQmFja2VuZCA8bHVtb0Bwcm90b24ubWU+iJAEExYIADgWIQQI
CLgLXY92rZOOQXfBBQ9u7nVXywUCaowgFgIbAwULCQgHAgYVCgkICwIEFgIDAQIe
AQIXgAAKCRDBBQ9u7nVXy2DMAP4yKRS4sx3vTBLr6RXuMFJc8ssrpDkXt9vCUb4R
fFGJoAEApEF2wwqJb0YS3gcd5JB8U2uYn3UQSHuhuqnCbp1yTge4OARqjCAWEgor
BgEEAZdVAQUBAQdAw/IBkY3Giia5MTqeANDeSnSAVLhug4iWSPorAEtlQ1kDAQgH
iHgEGBYIACAWIQQICLgLXY92rZOOQXfBBQ9u7nVXywUCaowgFgIbDAAKCRDBBQ9u
7nVXy1ujAP9pNIv9A63vbLj6XaBRDj/4RH/TFUU4m/1cvWMgmQeIAAEAk1mysdHj
MWReuU3J50toO+iPmYbQp36MiI3Sw+82Qww=
=u37V
-----END PGP PUBLIC KEY BLOCK-----`
