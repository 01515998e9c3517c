package models

// Account is the identity handed over by the authentication collaborator.
// It is decoded from the bearer token and never persisted here.
type Account struct {
	ID   uint   `json:"id"`
	Name string `json:"name"`
	Nick string `json:"nick"`
}
