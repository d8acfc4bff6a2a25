package trackdb

import "sort"

// GetUser returns a user record.
func (db *DB) GetUser(name string) (*User, bool) {
	u, ok := db.st.Users[name]
	return u, ok
}

// AddUser creates a user record. confirmation is non-empty for self-service
// registrations awaiting email confirmation.
func (db *DB) AddUser(name, password, rights, email, confirmation string) error {
	if name == "" {
		return ErrInvalidName
	}
	if _, ok := db.st.Users[name]; ok {
		return ErrUserExists
	}
	db.st.Users[name] = &User{
		Name:         name,
		Password:     password,
		Email:        email,
		Rights:       rights,
		Confirmation: confirmation,
	}
	return db.Save()
}

// DelUser removes a user record.
func (db *DB) DelUser(name string) error {
	if _, ok := db.st.Users[name]; !ok {
		return ErrNoSuchUser
	}
	delete(db.st.Users, name)
	return db.Save()
}

// EditUser updates one field of a user record. Valid keys are email,
// password and rights.
func (db *DB) EditUser(name, key, value string) error {
	u, ok := db.st.Users[name]
	if !ok {
		return ErrNoSuchUser
	}
	switch key {
	case "email":
		u.Email = value
	case "password":
		u.Password = value
	case "rights":
		u.Rights = value
	default:
		return ErrInvalidName
	}
	return db.Save()
}

// UserInfo returns one field of a user record; the second result reports
// whether the field has a value, the third whether the user exists.
func (db *DB) UserInfo(name, key string) (string, bool, bool) {
	u, ok := db.st.Users[name]
	if !ok {
		return "", false, false
	}
	switch key {
	case "email":
		return u.Email, u.Email != "", true
	case "password":
		return u.Password, u.Password != "", true
	case "rights":
		return u.Rights, true, true
	}
	return "", false, true
}

// Confirm completes a registration: the token must match the stored
// confirmation string. On success the record becomes a normal user.
func (db *DB) Confirm(name, token string) error {
	u, ok := db.st.Users[name]
	if !ok {
		return ErrNoSuchUser
	}
	if u.Confirmation == "" || u.Confirmation != token {
		return ErrAccess
	}
	u.Confirmation = ""
	return db.Save()
}

// ListUsers returns every username, sorted.
func (db *DB) ListUsers() []string {
	out := make([]string, 0, len(db.st.Users))
	for name := range db.st.Users {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
