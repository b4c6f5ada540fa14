package datauri

import "testing"

func TestEncodeDecode(t *testing.T) {
	payload := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 1, 2, 3}
	uri := Encode(payload, "image/png")
	if !Is(uri) {
		t.Fatalf("Is(%q) = false", uri)
	}
	data, mimeType, err := Decode(uri)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if mimeType != "image/png" || string(data) != string(payload) {
		t.Errorf("got %q %v", mimeType, data)
	}
}

func TestDecode_Errors(t *testing.T) {
	for _, in := range []string{"data:image/png;base64", "data:text/plain,hello", "data:image/png;base64,!!!"} {
		if _, _, err := Decode(in); err == nil {
			t.Errorf("Decode(%q) should fail", in)
		}
	}
}

func TestEncode_SniffsMime(t *testing.T) {
	uri := Encode([]byte("plain words"), "")
	if uri[:len("data:text/plain;base64,")] != "data:text/plain;base64," {
		t.Errorf("uri = %q", uri)
	}
}

func TestExtension(t *testing.T) {
	if Extension("image/jpeg") != ".jpg" {
		t.Error("jpeg extension")
	}
	if Extension("application/x-unknown-thing") != ".bin" {
		t.Error("unknown extension")
	}
	if MimeFromFilename("a.JPEG") != "image/jpeg" {
		t.Errorf("MimeFromFilename = %q", MimeFromFilename("a.JPEG"))
	}
}
