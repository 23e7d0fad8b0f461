// Package secrets allows communication with [org.freedesktop.Secret].
// Program that provide this API include Gnome Keyring, KDE Wallet, and keepassxc.
//
// The screen locker uses it to lock keyring collections together with the screen.
//
// [org.freedesktop.Secret]: https://specifications.freedesktop.org/secret-service-spec/latest/
package secrets
