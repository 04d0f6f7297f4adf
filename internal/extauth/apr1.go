package extauth

import "crypto/md5"

// apr1Alphabet is the crypt(3) base64 alphabet.
const apr1Alphabet = "./0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// apr1Crypt computes the Apache APR1 MD5 password digest for the given salt
// and returns the digest portion (no $apr1$salt$ prefix). This is the hash
// htpasswd produces by default.
func apr1Crypt(password, salt string) string {
	if len(salt) > 8 {
		salt = salt[:8]
	}

	h := md5.New()
	h.Write([]byte(password))
	h.Write([]byte("$apr1$"))
	h.Write([]byte(salt))

	alt := md5.Sum([]byte(password + salt + password))
	for i := len(password); i > 0; i -= 16 {
		if i > 16 {
			h.Write(alt[:])
		} else {
			h.Write(alt[:i])
		}
	}

	for i := len(password); i > 0; i >>= 1 {
		if i&1 == 1 {
			h.Write([]byte{0})
		} else {
			h.Write([]byte(password[:1]))
		}
	}

	sum := h.Sum(nil)

	// 1000 strengthening rounds.
	for i := 0; i < 1000; i++ {
		r := md5.New()
		if i&1 == 1 {
			r.Write([]byte(password))
		} else {
			r.Write(sum)
		}
		if i%3 != 0 {
			r.Write([]byte(salt))
		}
		if i%7 != 0 {
			r.Write([]byte(password))
		}
		if i&1 == 1 {
			r.Write(sum)
		} else {
			r.Write([]byte(password))
		}
		sum = r.Sum(nil)
	}

	// crypt(3) output order.
	order := [][3]int{
		{0, 6, 12}, {1, 7, 13}, {2, 8, 14}, {3, 9, 15}, {4, 10, 5},
	}
	out := make([]byte, 0, 22)
	for _, idx := range order {
		out = apr1Encode(out, uint32(sum[idx[0]])<<16|uint32(sum[idx[1]])<<8|uint32(sum[idx[2]]), 4)
	}
	out = apr1Encode(out, uint32(sum[11]), 2)
	return string(out)
}

func apr1Encode(dst []byte, v uint32, n int) []byte {
	for i := 0; i < n; i++ {
		dst = append(dst, apr1Alphabet[v&0x3f])
		v >>= 6
	}
	return dst
}
