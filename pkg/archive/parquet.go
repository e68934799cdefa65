// Package archive writes activity streams to blob storage as Parquet, one
// row per sample.
package archive

import (
	"fmt"
	"math"

	parquetbuffer "github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/fitglue/stravasync/pkg/types"
)

// Row is one stream sample. Channels the activity did not record are NaN.
type Row struct {
	Index      int64   `parquet:"name=sample_index, type=INT64"`
	TimeS      float64 `parquet:"name=time_s, type=DOUBLE"`
	Heartrate  float64 `parquet:"name=heartrate_bpm, type=DOUBLE"`
	DistanceM  float64 `parquet:"name=distance_m, type=DOUBLE"`
	VelocityMS float64 `parquet:"name=velocity_mps, type=DOUBLE"`
	AltitudeM  float64 `parquet:"name=altitude_m, type=DOUBLE"`
	Cadence    float64 `parquet:"name=cadence_rpm, type=DOUBLE"`
	Lat        float64 `parquet:"name=lat, type=DOUBLE"`
	Lng        float64 `parquet:"name=lng, type=DOUBLE"`
}

func sample(series []float64, i int) float64 {
	if i < len(series) {
		return series[i]
	}
	return math.NaN()
}

// Rows flattens a stream into aligned sample rows.
func Rows(s *types.Stream) []Row {
	n := s.Len()
	rows := make([]Row, n)
	for i := range rows {
		rows[i] = Row{
			Index:      int64(i),
			TimeS:      sample(s.Channel(types.ChannelTime), i),
			Heartrate:  sample(s.Channel(types.ChannelHeartrate), i),
			DistanceM:  sample(s.Channel(types.ChannelDistance), i),
			VelocityMS: sample(s.Channel(types.ChannelVelocity), i),
			AltitudeM:  sample(s.Channel(types.ChannelAltitude), i),
			Cadence:    sample(s.Channel(types.ChannelCadence), i),
			Lat:        math.NaN(),
			Lng:        math.NaN(),
		}
		if i < len(s.LatLng) {
			rows[i].Lat, rows[i].Lng = s.LatLng[i][0], s.LatLng[i][1]
		}
	}
	return rows
}

// Encode renders the stream as a Snappy-compressed Parquet file.
func Encode(s *types.Stream) ([]byte, error) {
	fw := parquetbuffer.NewBufferFile()
	pw, err := writer.NewParquetWriter(fw, new(Row), 4)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range Rows(s) {
		if err := pw.Write(row); err != nil {
			_ = pw.WriteStop()
			return nil, fmt.Errorf("write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finish parquet file: %w", err)
	}
	if err := fw.Close(); err != nil {
		return nil, err
	}
	return append([]byte(nil), fw.Bytes()...), nil
}

// Decode reads rows back from an encoded file.
func Decode(data []byte) ([]Row, error) {
	fr := parquetbuffer.NewBufferFileFromBytes(data)
	pr, err := reader.NewParquetReader(fr, new(Row), 1)
	if err != nil {
		return nil, fmt.Errorf("open parquet reader: %w", err)
	}
	defer pr.ReadStop()

	rows := make([]Row, pr.GetNumRows())
	if err := pr.Read(&rows); err != nil {
		return nil, fmt.Errorf("read parquet rows: %w", err)
	}
	return rows, nil
}
