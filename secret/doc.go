// Package secret resolves provider credentials referenced from configuration.
//
// A value is first expanded against the environment (see ExpandEnvStrict),
// then any "secretref:<provider>:<ref>" reference in it is replaced by the
// named Provider's answer:
//
//	api_key: ${OPENAI_API_KEY}
//	api_key: secretref:env:OPENAI_API_KEY
//	api_key: secretref:file:/run/secrets/groq_api_key
//
// Resolved values are never logged.
package secret
