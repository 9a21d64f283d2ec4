package fetcher

import (
	"bufio"
	"io"
	"net/http"
	"sort"
)

// writeDataFile writes the data file layout to w:
//
//	URL: <url>\r\n
//	<Name>: <value>\r\n   (names sorted, values in received order)
//	\r\n
//	<body>
//
// It returns the number of body bytes copied.
func writeDataFile(w io.Writer, rawURL string, header http.Header, body io.Reader) (int64, error) {
	bw := bufio.NewWriterSize(w, 32<<10)
	writeHeaderBlock(bw, rawURL, header)
	// bufio.Writer keeps the first write error, so io.Copy reports header
	// write failures as well.
	n, err := io.Copy(bw, body)
	if err != nil {
		return n, err
	}
	return n, bw.Flush()
}

func writeHeaderBlock(w *bufio.Writer, rawURL string, header http.Header) {
	names := make([]string, 0, len(header))
	for name := range header {
		names = append(names, name)
	}
	sort.Strings(names)

	write := func(parts ...string) {
		for _, p := range parts {
			_, _ = w.WriteString(p)
		}
	}
	write("URL: ", rawURL, "\r\n")
	for _, name := range names {
		for _, v := range header[name] {
			write(name, ": ", v, "\r\n")
		}
	}
	write("\r\n")
}
