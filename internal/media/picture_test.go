package media

import (
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

func TestUnmarshalPicture(t *testing.T) {
	tests := []struct {
		name    string
		pic     Picture
		wantErr bool
	}{
		{"keyframe", Picture{Width: 64, Height: 32, Tiles: []Tile{{W: 64, H: 32, JPEG: []byte{1}}}}, false},
		{"empty delta", Picture{Width: 64, Height: 32}, false},
		{"zero size", Picture{Width: 0, Height: 32}, true},
		{"tile outside", Picture{Width: 64, Height: 32, Tiles: []Tile{{X: 60, W: 8, H: 8}}}, true},
		{"max size", Picture{Width: MaxPictureDim, Height: MaxPictureDim}, false},
		{"too wide", Picture{Width: MaxPictureDim + 1, Height: 1}, true},
		{"too tall", Picture{Width: 1, Height: 1 << 30}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := msgpack.Marshal(&tt.pic)
			if err != nil {
				t.Fatal(err)
			}
			_, err = UnmarshalPicture(data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
